package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GraphClient implements Client against a graph-style page API: posts are
// created against the page feed with published=false and a publish time,
// and listed from the page's scheduled_posts edge.
type GraphClient struct {
	baseURL     string
	pageID      string
	accessToken string
	logger      *zap.SugaredLogger
	client      *http.Client

	mu     sync.RWMutex
	health Health
}

func NewGraphClient(baseURL, pageID, accessToken string, timeout time.Duration, logger *zap.SugaredLogger) *GraphClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GraphClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		pageID:      pageID,
		accessToken: accessToken,
		logger:      logger,
		client: &http.Client{
			Timeout: timeout,
		},
		health: Health{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

func (c *GraphClient) Name() string {
	return "graph"
}

func (c *GraphClient) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *GraphClient) updateHealth(healthy bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.health.Healthy = healthy
	if healthy {
		c.health.LastSuccess = time.Now()
		c.health.LastError = ""
	} else if err != nil {
		c.health.LastError = err.Error()
	}
}

type graphListResponse struct {
	Data []struct {
		ID                   string `json:"id"`
		Message              string `json:"message"`
		ScheduledPublishTime int64  `json:"scheduled_publish_time"`
	} `json:"data"`
}

func (c *GraphClient) ListScheduled(ctx context.Context) ([]ScheduledPost, error) {
	params := url.Values{}
	params.Set("fields", "id,message,scheduled_publish_time")
	params.Set("access_token", c.accessToken)
	requestURL := fmt.Sprintf("%s/%s/scheduled_posts?%s", c.baseURL, c.pageID, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building list request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var parsed graphListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.updateHealth(false, err)
		return nil, fmt.Errorf("decoding scheduled posts: %w", err)
	}

	posts := make([]ScheduledPost, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		posts = append(posts, ScheduledPost{
			Ref:         p.ID,
			Text:        p.Message,
			ScheduledAt: time.Unix(p.ScheduledPublishTime, 0),
		})
	}
	return posts, nil
}

func (c *GraphClient) Create(ctx context.Context, text string, at time.Time) (string, error) {
	form := url.Values{}
	form.Set("message", text)
	form.Set("published", "false")
	form.Set("scheduled_publish_time", strconv.FormatInt(at.Unix(), 10))
	form.Set("access_token", c.accessToken)

	requestURL := fmt.Sprintf("%s/%s/feed", c.baseURL, c.pageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		c.updateHealth(false, err)
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create response carried no post id")
	}
	return result.ID, nil
}

func (c *GraphClient) Update(ctx context.Context, ref string, text string, at time.Time) (string, error) {
	form := url.Values{}
	if text != "" {
		form.Set("message", text)
	}
	if !at.IsZero() {
		form.Set("scheduled_publish_time", strconv.FormatInt(at.Unix(), 10))
	}
	form.Set("access_token", c.accessToken)

	requestURL := fmt.Sprintf("%s/%s", c.baseURL, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	// The service answers with either {"success":true} or a fresh
	// {"id":"..."} when the update reissued the post under a new ref.
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.ID != "" {
		return result.ID, nil
	}
	return ref, nil
}

func (c *GraphClient) Delete(ctx context.Context, ref string) error {
	params := url.Values{}
	params.Set("access_token", c.accessToken)
	requestURL := fmt.Sprintf("%s/%s?%s", c.baseURL, ref, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, requestURL, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}

	_, err = c.do(req)
	return err
}

// do runs the request and folds transport and status failures into the
// package error taxonomy.
func (c *GraphClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.updateHealth(false, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.updateHealth(false, err)
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Not a service outage: the ref is simply gone.
		c.updateHealth(true, nil)
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
		c.updateHealth(false, err)
		if c.logger != nil {
			c.logger.Warnw("Feed request failed",
				"method", req.Method,
				"url", req.URL.Path,
				"status", resp.StatusCode,
			)
		}
		return nil, err
	}

	c.updateHealth(true, nil)
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
