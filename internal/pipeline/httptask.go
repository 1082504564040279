package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtline/statpipe/internal/resilience"
)

// HTTPTask drives a processor over HTTP: one POST per scope carrying the
// work set, one JSON body back carrying the outcome. Transient failures
// are retried with backoff; a 4xx response is final.
type HTTPTask struct {
	name     string
	stage    string
	endpoint string
	client   *http.Client
	retry    resilience.RetryConfig
}

type taskRequest struct {
	Scope      string   `json:"scope"`
	Backfill   bool     `json:"backfill"`
	FullBatch  bool     `json:"full_batch"`
	ChangedIDs []string `json:"changed_ids,omitempty"`
}

type taskResponse struct {
	RecordCount     int      `json:"record_count"`
	ChangedEntities []string `json:"changed_entities,omitempty"`
}

// NewHTTPTask creates a task that delegates scope processing to endpoint.
// A non-positive timeout defaults to five minutes.
func NewHTTPTask(name, stage, endpoint string, timeout time.Duration) *HTTPTask {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPTask{
		name:     name,
		stage:    stage,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		retry:    resilience.DefaultRetryConfig(),
	}
}

func (t *HTTPTask) Name() string  { return t.name }
func (t *HTTPTask) Stage() string { return t.stage }

// Run posts the scope's work set to the processor endpoint. The changed
// id list is only sent when change detection narrowed the batch, so a
// full-batch request stays small no matter how many entities exist.
func (t *HTTPTask) Run(ctx context.Context, tc TaskContext) (*TaskOutcome, error) {
	body := taskRequest{
		Scope:     tc.Scope.String(),
		Backfill:  tc.Backfill,
		FullBatch: tc.Changed.FullBatch(),
	}
	if !body.FullBatch {
		body.ChangedIDs = tc.Changed.ChangedIDs
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: marshal request for %s", t.name)
	}

	var out taskResponse
	err = resilience.Do(ctx, t.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrapf(err, "pipeline: create request for %s", t.name)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 300 {
			err := eris.Errorf("pipeline: processor %s returned %d", t.name, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}

		out = taskResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return eris.Wrapf(err, "pipeline: decode response from %s", t.name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TaskOutcome{
		RecordCount:     out.RecordCount,
		ChangedEntities: out.ChangedEntities,
	}, nil
}
