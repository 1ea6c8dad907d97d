package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
)

// httpSender implements delivery.Sender by POSTing the envelope's JSON body
// to a peer's resolved endpoint and decoding the JSON response.
type httpSender struct {
	client *http.Client
}

func newHTTPSender(timeout time.Duration) *httpSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpSender{client: &http.Client{Timeout: timeout}}
}

func (s *httpSender) Send(ctx context.Context, env *envelope.Envelope, endpoint string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AI2AI-Version", envelope.CurrentProtoVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s rejected envelope: HTTP %d", endpoint, resp.StatusCode)
	}
	return nil
}
