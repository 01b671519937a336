package addepar

import (
	"fmt"
	"strings"
	"time"
)

// Stage identifies which remote call a failure originated from.
type Stage string

const (
	StageSubmit   Stage = "submit"
	StagePoll     Stage = "poll"
	StageDownload Stage = "download"
)

// ConfigError indicates the client could not be constructed, typically
// because no credentials were supplied and none were found in the
// environment.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "addepar: " + e.Reason
}

// StatusError is returned when the API answers with a non-retryable HTTP
// status, or carried inside a TransientError once retries on a 5xx are
// exhausted. Snippet holds the start of the response body for diagnostics.
type StatusError struct {
	Stage   Stage
	Code    int
	Snippet string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("addepar %s: unexpected status %d", e.Stage, e.Code)
	}
	return fmt.Sprintf("addepar %s: unexpected status %d: %s", e.Stage, e.Code, e.Snippet)
}

// TransientError indicates that a bounded retry loop (submit or poll) was
// exhausted. It wraps the failure observed on the final attempt.
type TransientError struct {
	Stage    Stage
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("addepar %s: giving up after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedResponseError indicates a response body that could not be decoded
// into the expected structure, after any applicable retries. It carries a
// snippet of the body and the top-level keys that were observed so that
// remote contract drift can be debugged from logs alone.
type MalformedResponseError struct {
	Stage   Stage
	Snippet string
	Keys    []string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	msg := fmt.Sprintf("addepar %s: malformed response", e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Keys) > 0 {
		msg += fmt.Sprintf(" (keys: %s)", strings.Join(e.Keys, ", "))
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (body: %s)", e.Snippet)
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ResultError indicates the downloaded export was empty or not parseable as
// CSV. The download stage has no retry, so this is fatal for the call.
type ResultError struct {
	Reason  string
	Snippet string
	Err     error
}

func (e *ResultError) Error() string {
	msg := "addepar download: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (body: %s)", e.Snippet)
	}
	return msg
}

func (e *ResultError) Unwrap() error { return e.Err }

// TimeoutError indicates the poll loop exceeded the configured maximum wait
// without the job reaching completion.
type TimeoutError struct {
	JobID  string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("addepar poll: job %s did not complete within %s", e.JobID, e.Waited)
}

// snippet returns the first 200 bytes of a response body for error messages.
func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
