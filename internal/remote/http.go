package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ripple/internal/ripple"
)

// HTTPRemote talks to the sync backend over its REST surface. Every
// response status is classified so the retry and queuing layers can
// tell transient failures from permanent ones.
type HTTPRemote struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    ripple.Logger
}

var _ ripple.Remote = (*HTTPRemote)(nil)

type HTTPOption func(*HTTPRemote)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRemote) { r.client = client }
}

func WithAuthToken(token string) HTTPOption {
	return func(r *HTTPRemote) { r.authToken = token }
}

func WithLogger(logger ripple.Logger) HTTPOption {
	return func(r *HTTPRemote) { r.logger = logger }
}

func NewHTTPRemote(baseURL string, opts ...HTTPOption) *HTTPRemote {
	r := &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  ripple.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPRemote) collectionURL(entity ripple.EntityType) string {
	return fmt.Sprintf("%s/api/%ss", r.baseURL, entity)
}

func (r *HTTPRemote) Create(ctx context.Context, entity ripple.EntityType, token string, payload ripple.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", entity, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.collectionURL(entity), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building create request: %w", err)
	}
	req.Header.Set("Idempotency-Key", token)

	data, err := r.do(req)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	if result.ID == "" {
		return "", ripple.Terminal("bad-response", fmt.Errorf("create response missing id"))
	}
	return result.ID, nil
}

func (r *HTTPRemote) Update(ctx context.Context, entity ripple.EntityType, id string, payload ripple.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", entity, err)
	}
	u := r.collectionURL(entity) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building update request: %w", err)
	}
	_, err = r.do(req)
	return err
}

func (r *HTTPRemote) Delete(ctx context.Context, entity ripple.EntityType, id string) error {
	u := r.collectionURL(entity) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	_, err = r.do(req)
	return err
}

func (r *HTTPRemote) Query(ctx context.Context, entity ripple.EntityType, filter ripple.Filter) ([]json.RawMessage, error) {
	u, err := url.Parse(r.collectionURL(entity))
	if err != nil {
		return nil, fmt.Errorf("building query url: %w", err)
	}
	q := u.Query()
	for key, value := range filter {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	data, err := r.do(req)
	if err != nil {
		return nil, err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return docs, nil
}

// do executes a request and classifies the outcome. Transport failures
// and 5xx / 408 / 429 responses are retriable; other non-2xx responses
// are terminal.
func (r *HTTPRemote) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr == context.Canceled {
			return nil, ctxErr
		}
		return nil, ripple.Retriable(ripple.CodeUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ripple.Retriable(ripple.CodeUnavailable, fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	reqErr := fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(data)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, ripple.Retriable(ripple.CodeTimeout, reqErr)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, ripple.Retriable(ripple.CodeUnavailable, reqErr)
	default:
		r.logger.Warn("remote rejected request", "status", resp.StatusCode, "path", req.URL.Path)
		return nil, ripple.Terminal(terminalCode(resp.StatusCode), reqErr)
	}
}

func terminalCode(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "permission-denied"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "invalid-request"
	}
}
