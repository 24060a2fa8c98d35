// Package progress defines the event structures emitted for every fetch attempt.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/wetraa/999md-scraper/internal/pipeline"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// UnknownSite labels attempts whose grouping key is empty.
const UnknownSite = "unknown"

// Event captures one finished fetch attempt.
type Event struct {
	// CallID groups the attempts of one logical fetch call. May be empty.
	CallID string
	// Attempt is the 1-based attempt number within the call.
	Attempt int
	// Started is when the attempt began; TS is when it ended (UTC).
	Started time.Time
	TS      time.Time
	// Outcome reports success, error or cancellation.
	Outcome pipeline.Outcome
	// Site is the grouping key, usually the lower-cased host.
	Site string
	// URL is the final URL, or the target when the attempt failed.
	URL    string
	Method string
	// Bytes carries the response size for the attempt.
	Bytes int64
	// StatusCode is 0 when no response arrived.
	StatusCode int
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures the attempt latency.
	Dur time.Duration
	// ErrorKind is set for classified failures.
	ErrorKind pipeline.ErrorKind
	// Note carries the "<Type>: <message>" description of a failure.
	Note string
}

// FromRecord converts a pipeline attempt record into an Event.
func FromRecord(rec pipeline.AttemptRecord) Event {
	url := rec.FinalURL
	if url == "" {
		url = rec.Target
	}
	evt := Event{
		CallID:     rec.CallID,
		Attempt:    rec.Attempt,
		Started:    rec.StartedAt,
		TS:         rec.EndedAt,
		Outcome:    rec.Outcome,
		Site:       rec.Key,
		URL:        url,
		Method:     rec.Method,
		Bytes:      int64(rec.Bytes),
		StatusCode: rec.StatusCode,
		Dur:        rec.Duration(),
		ErrorKind:  rec.ErrorKind,
		Note:       pipeline.Describe(rec.Err),
	}
	if evt.Site == "" {
		evt.Site = UnknownSite
	}
	// A base fetcher may succeed without a status code.
	if rec.StatusCode != 0 || rec.Outcome == pipeline.OutcomeSuccess {
		evt.StatusClass = ClassifyStatus(rec.StatusCode)
	}
	return evt
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Site == "" {
		return errors.New("site is required")
	}
	if e.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", e.Attempt)
	}
	switch e.Outcome {
	case pipeline.OutcomeSuccess:
		if e.StatusClass == "" {
			return errors.New("successful attempt requires status class")
		}
	case pipeline.OutcomeError, pipeline.OutcomeCanceled:
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Retry reports whether the event belongs to a re-attempt.
func (e Event) Retry() bool {
	return e.Attempt > 1
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
