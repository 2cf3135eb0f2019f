package glimpse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Remote error classes, used for metrics and the $feature_flag_error marker.
const (
	errClassTimeout    = "timeout"
	errClassConnection = "connection"
	errClassStatus     = "status"
	errClassQuota      = "quota"
)

// APIError is returned when the platform responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("glimpse: HTTP %d: %s", e.StatusCode, e.Message)
}

// classifyError maps a remote-path error to one of the error classes.
func classifyError(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return errClassQuota
		}
		return errClassStatus
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errClassTimeout
	}
	return errClassConnection
}

// remoteEvaluation is the platform's answer to a remote evaluation request.
type remoteEvaluation struct {
	FeatureFlags map[string]FlagValue `json:"featureFlags"`
	Payloads     map[string]string    `json:"featureFlagPayloads"`
	QuotaLimited []string             `json:"quotaLimited"`
}

// quotaLimitsFlags reports whether the response carries the feature flag
// quota-limit marker; flag results must be discarded when it does.
func (r *remoteEvaluation) quotaLimitsFlags() bool {
	for _, product := range r.QuotaLimited {
		if product == "feature_flags" {
			return true
		}
	}
	return false
}

type transport struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	// streamClient carries no overall timeout: an SSE stream is expected to
	// stay open until cancelled.
	streamClient *http.Client
	log          *slog.Logger
}

func newTransport(cfg Config, log *slog.Logger) *transport {
	hc := cfg.HTTPClient
	sc := cfg.HTTPClient
	if hc == nil {
		rt := otelhttp.NewTransport(http.DefaultTransport)
		hc = &http.Client{Timeout: cfg.RequestTimeout, Transport: rt}
		sc = &http.Client{Transport: rt}
	}
	return &transport{
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		httpClient:   hc,
		streamClient: sc,
		log:          log,
	}
}

func (t *transport) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("glimpse: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("glimpse: create request: %w", err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("glimpse: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// fetchDefinitions pulls the full flag definition set. The caller's previous
// ETag enables 304 short-circuiting: notModified true means the existing
// snapshot is still current and data is nil.
func (t *transport) fetchDefinitions(ctx context.Context, etag string) (data *DefinitionData, newETag string, notModified bool, err error) {
	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}
	resp, err := t.do(ctx, http.MethodGet, "/api/v1/flags/definitions", nil, header)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, etag, true, nil
	}

	var out DefinitionData
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", false, fmt.Errorf("glimpse: decode definitions: %w", err)
	}
	return &out, resp.Header.Get("ETag"), false, nil
}

type remoteEvaluateRequest struct {
	DistinctID       string                    `json:"distinct_id"`
	PersonProperties map[string]any            `json:"person_properties,omitempty"`
	Groups           map[string]string         `json:"groups,omitempty"`
	GroupProperties  map[string]map[string]any `json:"group_properties,omitempty"`
}

// remoteEvaluate asks the platform to evaluate every flag for one identity.
func (t *transport) remoteEvaluate(ctx context.Context, req remoteEvaluateRequest) (*remoteEvaluation, error) {
	resp, err := t.do(ctx, http.MethodPost, "/api/v1/flags/evaluate", req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out remoteEvaluation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("glimpse: decode evaluation: %w", err)
	}
	return &out, nil
}

type eventMessage struct {
	MessageID  string         `json:"message_id"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// sendEvent posts one analytics event.
func (t *transport) sendEvent(ctx context.Context, event, distinctID string, properties map[string]any) error {
	msg := eventMessage{
		MessageID:  uuid.NewString(),
		Event:      event,
		DistinctID: distinctID,
		Properties: properties,
		Timestamp:  time.Now().UTC(),
	}
	resp, err := t.do(ctx, http.MethodPost, "/api/v1/capture", msg, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// openStream connects to the realtime flag update stream. The caller owns the
// returned body and must close it.
func (t *transport) openStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/api/v1/flags/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("glimpse: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("glimpse: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}
