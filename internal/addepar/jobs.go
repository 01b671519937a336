package addepar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// jobPayload is the JSON:API envelope posted to the jobs endpoint.
type jobPayload struct {
	Data jobPayloadData `json:"data"`
}

type jobPayloadData struct {
	Attributes jobPayloadAttributes `json:"attributes"`
	Type       string               `json:"type"`
}

type jobPayloadAttributes struct {
	Parameters jobParameters `json:"parameters"`
	JobType    string        `json:"job_type"`
}

type jobParameters struct {
	EndDate       string `json:"end_date"`
	ViewID        int    `json:"view_id"`
	PortfolioType string `json:"portfolio_type"`
	StartDate     string `json:"start_date"`
	OutputType    string `json:"output_type"`
	PortfolioID   int    `json:"portfolio_id"`
}

// newJobPayload builds the export job body for a given as-of date; all other
// parameters are fixed at construction time.
func (c *Client) newJobPayload(asOf string) jobPayload {
	return jobPayload{
		Data: jobPayloadData{
			Attributes: jobPayloadAttributes{
				Parameters: jobParameters{
					EndDate:       asOf,
					ViewID:        c.viewID,
					PortfolioType: c.portfolioType,
					StartDate:     c.startDate,
					OutputType:    "CSV",
					PortfolioID:   c.portfolioID,
				},
				JobType: "portfolio_view_results",
			},
			Type: "jobs",
		},
	}
}

// observedKeys lists the top-level keys of a JSON object body, for inclusion
// in MalformedResponseError diagnostics.
func observedKeys(body []byte) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseJobID extracts data.id from a job submission response. Any shape
// mismatch is reported uniformly as a MalformedResponseError.
func parseJobID(body []byte) (string, error) {
	var out struct {
		Data *struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &MalformedResponseError{
			Stage:   StageSubmit,
			Snippet: snippet(body),
			Keys:    observedKeys(body),
			Err:     err,
		}
	}
	if out.Data == nil || out.Data.ID == "" {
		return "", &MalformedResponseError{
			Stage:   StageSubmit,
			Snippet: snippet(body),
			Keys:    observedKeys(body),
			Err:     fmt.Errorf("missing data.id"),
		}
	}
	return out.Data.ID, nil
}

// parseProgress extracts data.attributes.percent_complete from a status
// response body.
func parseProgress(body []byte) (float64, error) {
	var out struct {
		Data *struct {
			Attributes *struct {
				PercentComplete *float64 `json:"percent_complete"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, &MalformedResponseError{
			Stage:   StagePoll,
			Snippet: snippet(body),
			Keys:    observedKeys(body),
			Err:     err,
		}
	}
	if out.Data == nil || out.Data.Attributes == nil || out.Data.Attributes.PercentComplete == nil {
		return 0, &MalformedResponseError{
			Stage:   StagePoll,
			Snippet: snippet(body),
			Keys:    observedKeys(body),
			Err:     fmt.Errorf("missing data.attributes.percent_complete"),
		}
	}
	return *out.Data.Attributes.PercentComplete, nil
}

// submitJob posts the export job and returns the job identifier. Up to three
// total attempts are made, with linearly increasing delay, but only for 5xx
// statuses, empty bodies, or bodies that fail structured parsing. Client
// errors surface immediately.
func (c *Client) submitJob(ctx context.Context, asOf string) (string, error) {
	body, err := json.Marshal(c.newJobPayload(asOf))
	if err != nil {
		return "", fmt.Errorf("marshalling job payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.submitAttempts; attempt++ {
		if attempt > 0 {
			c.logger.WithError(lastErr).WithField("attempt", attempt+1).
				Warn("retrying job submission")
			if err := sleep(ctx, c.retryUnit*time.Duration(attempt)); err != nil {
				return "", err
			}
		}

		status, data, err := c.do(ctx, http.MethodPost, c.baseURL, body)
		if err != nil {
			return "", fmt.Errorf("posting job: %w", err)
		}
		jobSubmissionsTotal.Inc()

		switch {
		case status >= 500:
			lastErr = &StatusError{Stage: StageSubmit, Code: status, Snippet: snippet(data)}
			continue
		case status >= 400:
			return "", &StatusError{Stage: StageSubmit, Code: status, Snippet: snippet(data)}
		}

		if len(data) == 0 {
			lastErr = fmt.Errorf("empty response body")
			continue
		}

		id, perr := parseJobID(data)
		if perr != nil {
			lastErr = perr
			continue
		}

		c.logger.WithField("job_id", id).Info("export job posted")
		return id, nil
	}

	if merr, ok := lastErr.(*MalformedResponseError); ok {
		return "", merr
	}
	return "", &TransientError{Stage: StageSubmit, Attempts: c.submitAttempts, Err: lastErr}
}

// checkStatus queries the job status once (with bounded internal retries) and
// returns the fractional completion.
//
// A 303 means the download is available and is treated as 1.0 regardless of
// the body. A 204 means no content yet: it is retried with increasing delay
// and, once attempts run out, reported as a non-progressing 0.0 so the outer
// poll loop simply waits for the next tick. 5xx and parse failures share the
// same bounded retry before surfacing.
func (c *Client) checkStatus(ctx context.Context, jobID string) (float64, error) {
	url := c.baseURL + "/" + jobID

	var lastErr error
	for attempt := 0; attempt < c.statusAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.retryUnit+time.Duration(attempt-1)*c.retryUnit/2); err != nil {
				return 0, err
			}
		}
		last := attempt == c.statusAttempts-1

		status, data, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, fmt.Errorf("checking job %s: %w", jobID, err)
		}
		pollRequestsTotal.Inc()

		switch {
		case status == http.StatusSeeOther:
			return 1.0, nil
		case status == http.StatusNoContent:
			if last {
				return 0.0, nil
			}
			lastErr = fmt.Errorf("no content yet")
			continue
		case status >= 500:
			lastErr = &StatusError{Stage: StagePoll, Code: status, Snippet: snippet(data)}
			if last {
				return 0, &TransientError{Stage: StagePoll, Attempts: c.statusAttempts, Err: lastErr}
			}
			continue
		case status >= 400:
			return 0, &StatusError{Stage: StagePoll, Code: status, Snippet: snippet(data)}
		}

		if len(data) == 0 {
			lastErr = fmt.Errorf("empty status body")
			if last {
				return 0, &TransientError{Stage: StagePoll, Attempts: c.statusAttempts, Err: lastErr}
			}
			continue
		}

		progress, perr := parseProgress(data)
		if perr != nil {
			lastErr = perr
			if last {
				return 0, perr
			}
			continue
		}
		return progress, nil
	}

	// Unreachable: the final attempt always returns.
	return 0, lastErr
}

// downloadResults fetches and parses the completed job's CSV payload. This
// stage has no retry: empty or unparseable content is fatal for the call.
func (c *Client) downloadResults(ctx context.Context, jobID string) (*Table, error) {
	status, data, err := c.do(ctx, http.MethodGet, c.baseURL+"/"+jobID+"/download", nil)
	if err != nil {
		return nil, fmt.Errorf("downloading job %s: %w", jobID, err)
	}
	if status >= 400 {
		return nil, &StatusError{Stage: StageDownload, Code: status, Snippet: snippet(data)}
	}
	if len(data) == 0 {
		return nil, &ResultError{Reason: "empty export content"}
	}

	table, err := ParseCSV(data)
	if err != nil {
		return nil, &ResultError{Reason: "unparseable export content", Snippet: snippet(data), Err: err}
	}
	return table, nil
}
