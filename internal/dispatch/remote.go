package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"timeflow/internal/domain"
)

// Remote delivers one task to the sync endpoint. Implementations must map
// failures onto the domain error taxonomy: ErrTimeout, ErrNetworkUnreachable
// or ErrRemoteRejected.
type Remote interface {
	Deliver(ctx context.Context, task domain.Task) error
}

// HTTPRemote posts tasks as JSON to an authenticated endpoint.
type HTTPRemote struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPRemote(endpoint, token string) *HTTPRemote {
	return &HTTPRemote{Endpoint: endpoint, Token: token, Client: &http.Client{}}
}

type deliverBody struct {
	EntityType domain.EntityType `json:"entity_type"`
	Payload    json.RawMessage   `json:"payload"`
	QueuedAt   int64             `json:"queued_at"`
}

func (r *HTTPRemote) Deliver(ctx context.Context, task domain.Task) error {
	body, err := json.Marshal(deliverBody{
		EntityType: task.EntityType,
		Payload:    task.Payload,
		QueuedAt:   task.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", domain.ErrRemoteRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrRemoteRejected, resp.StatusCode, string(msg))
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNetworkUnreachable, err)
}
