// Package notify emails the moderators when the pipeline needs a human:
// the pending backlog passed the threshold, or an upcoming posting
// window has nothing scheduled in it. Alerts share a cooldown so a
// stuck queue does not turn into a mail storm.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/config"
)

type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	cache  *cache.Cache
	logger *zap.SugaredLogger
}

func New(cfg config.NotifyConfig, c *cache.Cache, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  c,
		logger: logger,
	}
}

func (n *Notifier) Enabled() bool {
	return n.cfg.Enabled && n.cfg.APIURL != "" && len(n.cfg.Recipients) > 0
}

type mailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (n *Notifier) send(ctx context.Context, subject, html string) error {
	body, err := json.Marshal(mailRequest{
		From:    n.cfg.FromEmail,
		To:      n.cfg.Recipients,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("encoding mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail api returned status %d", resp.StatusCode)
	}
	n.logger.Infow("alert mail sent", "subject", subject, "recipients", len(n.cfg.Recipients))
	return nil
}

// underCooldown takes the shared cooldown slot. The first caller within
// the window gets through, later ones are suppressed.
func (n *Notifier) underCooldown(ctx context.Context) bool {
	if n.cache == nil || n.cfg.AlertCooldown <= 0 {
		return false
	}
	ok, err := n.cache.TryLock(ctx, cache.KeyNotifyCooldown, n.cfg.AlertCooldown)
	if err != nil {
		n.logger.Warnw("cooldown check failed, sending anyway", "error", err)
		return false
	}
	return !ok
}

// AlertPendingBacklog mails the moderators that the pending queue
// crossed the configured threshold.
func (n *Notifier) AlertPendingBacklog(ctx context.Context, count int) error {
	if !n.Enabled() || n.underCooldown(ctx) {
		return nil
	}
	subject := fmt.Sprintf("Moderation backlog: %d entries waiting", count)
	html := fmt.Sprintf(
		"<p>%d submissions are waiting for review.</p><p><a href=%q>Open the review queue</a></p>",
		count, n.cfg.AppURL)
	return n.send(ctx, subject, html)
}

// AlertEmptyWindow mails the moderators that a posting window is coming
// up with nothing scheduled in it.
func (n *Notifier) AlertEmptyWindow(ctx context.Context, at time.Time) error {
	if !n.Enabled() || n.underCooldown(ctx) {
		return nil
	}
	subject := "Upcoming posting window is empty"
	html := fmt.Sprintf(
		"<p>The posting window at %s has nothing scheduled.</p><p><a href=%q>Open the review queue</a></p>",
		at.Format("Mon, 2 Jan 15:04"), n.cfg.AppURL)
	return n.send(ctx, subject, html)
}
