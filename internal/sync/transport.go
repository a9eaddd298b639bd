package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrRemoteExists signals a create that collided with an existing server
	// id. The engine treats it as an idempotent success.
	ErrRemoteExists = errors.New("remote entity already exists")

	// ErrRemoteNotFound signals a read or delete against an entity the
	// server no longer has. Deletes treat it as an idempotent success.
	ErrRemoteNotFound = errors.New("remote entity not found")
)

// RemoteEntity is the server's authoritative view of an entity.
type RemoteEntity struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Data       json.RawMessage `json:"data"`
}

// Transport applies a mutation to the remote service. Apply returns the
// server-confirmed entity for creates and updates, nil for deletes.
type Transport interface {
	Apply(ctx context.Context, op PendingOperation) (*RemoteEntity, error)
}

// Reader fetches current remote state for conflict detection.
// FetchCurrent returns nil, nil when the entity does not exist remotely.
type Reader interface {
	FetchCurrent(ctx context.Context, entityType, entityID string) (*RemoteEntity, error)
}

// HTTPTransport maps operations onto a conventional REST surface:
// create -> POST /api/{entityType}, update -> PUT and delete -> DELETE
// addressed by {entityId}.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Apply(ctx context.Context, op PendingOperation) (*RemoteEntity, error) {
	var method, url string
	var body io.Reader

	switch op.Type {
	case OpCreate:
		method = http.MethodPost
		url = fmt.Sprintf("%s/api/%s", t.BaseURL, op.EntityType)
		body = bytes.NewReader(op.Payload)
	case OpUpdate:
		method = http.MethodPut
		url = fmt.Sprintf("%s/api/%s/%s", t.BaseURL, op.EntityType, op.EntityID)
		body = bytes.NewReader(op.Payload)
	case OpDelete:
		method = http.MethodDelete
		url = fmt.Sprintf("%s/api/%s/%s", t.BaseURL, op.EntityType, op.EntityID)
	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrRemoteExists
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrRemoteNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("remote apply failed: %s", resp.Status)
	}

	if op.Type == OpDelete {
		return nil, nil
	}
	return decodeRemoteEntity(resp.Body, op.EntityType, op.EntityID)
}

func (t *HTTPTransport) FetchCurrent(ctx context.Context, entityType, entityID string) (*RemoteEntity, error) {
	url := fmt.Sprintf("%s/api/%s/%s", t.BaseURL, entityType, entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("remote fetch failed: %s", resp.Status)
	}

	return decodeRemoteEntity(resp.Body, entityType, entityID)
}

func decodeRemoteEntity(r io.Reader, entityType, entityID string) (*RemoteEntity, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	// The server may reply with a bare entity object; updatedAt is read from
	// it and the whole body is kept as the cached data.
	var entity RemoteEntity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode remote entity: %w", err)
	}
	if entity.Data == nil {
		entity.Data = raw
	}
	entity.EntityType = entityType
	entity.EntityID = entityID
	return &entity, nil
}
