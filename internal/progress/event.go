package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageAttemptStart Stage = "ATTEMPT_START"
	StageAttemptDone  Stage = "ATTEMPT_DONE"
	StageRetry        Stage = "RETRY"
	StageOutcome      Stage = "OUTCOME"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for attempt completions. StatusNone marks attempts
// that failed before a response arrived.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusNone  StatusClass = "none"
	StatusOther StatusClass = "other"
)

// Event is one milestone of a run.
type Event struct {
	RunID string
	TS    time.Time
	Stage Stage
	// Site is the host label of URL.
	Site string
	// URL is the dedup key of the resource.
	URL     string
	Attempt int
	Proxy   string
	// Bytes written by an attempt, or by the whole URL for outcomes.
	Bytes       int64
	StatusClass StatusClass
	// Status is the persisted status carried by OUTCOME events.
	Status string
	Dur    time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageAttemptStart, StageRetry:
		if e.URL == "" || e.Attempt <= 0 {
			return fmt.Errorf("%s requires url and attempt", e.Stage)
		}
	case StageAttemptDone:
		if e.URL == "" || e.Attempt <= 0 {
			return fmt.Errorf("%s requires url and attempt", e.Stage)
		}
		if e.StatusClass == "" {
			return errors.New("attempt done requires status class")
		}
	case StageOutcome:
		if e.URL == "" || e.Status == "" {
			return errors.New("outcome requires url and status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes. Zero means no response.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 0:
		return StatusNone
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
