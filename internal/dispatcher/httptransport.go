package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fleetmesh/orchestrator/internal/types"
)

// HTTPTransport is the production NodeTransport: it POSTs a task to a
// node's /tasks/execute endpoint and treats a 2xx response as node_ack.
// It does not wait for the result inline — the node reports back
// asynchronously to the orchestrator's own /tasks/{id}/result endpoint
// once work completes, matching internal/fakenode's contract.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport using client, or a default
// client with no timeout (the Dispatcher's own per-attempt context
// deadline governs how long a call may run) if client is nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// DispatchTask implements NodeTransport.
func (t *HTTPTransport) DispatchTask(ctx context.Context, endpoint string, task *types.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	url := fmt.Sprintf("http://%s/tasks/execute", endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("node rejected task %s: status %d", task.TaskID, resp.StatusCode)
	}
	return nil
}

// CancelTask implements NodeTransport.
func (t *HTTPTransport) CancelTask(ctx context.Context, endpoint, taskID string) error {
	url := fmt.Sprintf("http://%s/tasks/%s/cancel", endpoint, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("node rejected cancel of task %s: status %d", taskID, resp.StatusCode)
	}
	return nil
}
