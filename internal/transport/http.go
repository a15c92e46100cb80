// ============================================================================
// GearGuard HTTP Transport
// ============================================================================
//
// Package: internal/transport
// File: http.go
// Purpose: REST client for the maintenance backend.
//
// Endpoints:
//   GET /api/maintenance-requests?_t=<unix-ms>   full collection, cache-busted
//   PUT /api/maintenance/{id}/status              body {"status": "..."}
//
// Every request carries X-Client-ID so server logs can tie calls to one
// board instance.
//
// Error mapping:
//   fetch   non-2xx / bad JSON / invalid record  → boarderr.ErrFetchFailed
//   persist 400 / 409 / 422                      → boarderr.ErrPersistenceRejected
//           404                                  → ErrPersistenceRejected + ErrNotFound
//           5xx / network                        → plain error (still rolled back)
//
// ============================================================================

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

const (
	// ClientIDHeader identifies the board instance on every call.
	ClientIDHeader = "X-Client-ID"

	requestsPath = "/api/maintenance-requests"
	statusPath   = "/api/maintenance/%d/status"

	maxErrorBody = 4 << 10
)

// StatusUpdate is the PUT body.
type StatusUpdate struct {
	Status types.Status `json:"status" validate:"required,status"`
}

// HTTPClient talks to the REST backend.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	clientID string
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

// NewHTTPClient builds a client for baseURL. A nil hc uses a client with a
// 10s timeout; a nil log discards output.
func NewHTTPClient(baseURL string, hc *http.Client, log *zap.Logger) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   hc,
		clientID: uuid.NewString(),
		validate: v,
		log:      log,
		now:      time.Now,
	}, nil
}

// ClientID returns the id sent in X-Client-ID.
func (c *HTTPClient) ClientID() string {
	return c.clientID
}

// FetchRequests implements poller.Fetcher.
func (c *HTTPClient) FetchRequests(ctx context.Context) ([]types.MaintenanceRequest, error) {
	endpoint := c.baseURL + requestsPath + "?_t=" + strconv.FormatInt(c.now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(ClientIDHeader, c.clientID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", boarderr.ErrFetchFailed, resp.StatusCode, readErrorBody(resp.Body))
	}

	var reqs []types.MaintenanceRequest
	if err := json.NewDecoder(resp.Body).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", boarderr.ErrFetchFailed, err)
	}
	if reqs == nil {
		return nil, fmt.Errorf("%w: payload is not a request list", boarderr.ErrFetchFailed)
	}
	if err := ValidateRequests(c.validate, reqs); err != nil {
		return nil, fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
	}

	c.log.Debug("fetched maintenance requests", zap.Int("count", len(reqs)))
	return reqs, nil
}

// PersistStatus implements worker.StatusPersister.
func (c *HTTPClient) PersistStatus(ctx context.Context, id types.RequestID, status types.Status) error {
	body := StatusUpdate{Status: status}
	if err := c.validate.Struct(body); err != nil {
		return fmt.Errorf("%w: %w", boarderr.ErrPersistenceRejected, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + fmt.Sprintf(statusPath, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClientIDHeader, c.clientID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("persist request %d: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: request %d: %w", boarderr.ErrPersistenceRejected, id, boarderr.ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: request %d: status %d: %s", boarderr.ErrPersistenceRejected, id, resp.StatusCode, readErrorBody(resp.Body))
	default:
		return fmt.Errorf("persist request %d: status %d: %s", id, resp.StatusCode, readErrorBody(resp.Body))
	}
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
