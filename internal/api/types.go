package api

import (
	"time"

	"github.com/feedline/feedline-backend/internal/store"
)

type EntryDTO struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Status        string     `json:"status"`
	Number        *int       `json:"number,omitempty"`
	ExternalRef   string     `json:"external_ref,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

func toEntryDTO(e *store.Entry) EntryDTO {
	return EntryDTO{
		ID:            e.ID,
		Text:          e.Text,
		Status:        string(e.Status),
		Number:        e.SequenceNumber,
		ExternalRef:   e.ExternalRef,
		ScheduledTime: e.ScheduledTime,
		SubmittedAt:   e.SubmittedAt,
		DecidedAt:     e.DecidedAt,
	}
}

type EntryListDTO struct {
	Entries []EntryDTO `json:"entries"`
	Count   int        `json:"count"`
}

type StatsDTO struct {
	Counts     map[string]int `json:"counts"`
	NextNumber int            `json:"next_number"`
	AsOf       int64          `json:"as_of"`
}

type IntakeSyncDTO struct {
	Added int `json:"added"`
}

type EditTextRequest struct {
	Text string `json:"text"`
}

type CounterRequest struct {
	Next int `json:"next"`
}

type CounterDTO struct {
	Next int `json:"next"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
