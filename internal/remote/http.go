package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	noOpLogger        = zap.NewNop()
)

// HTTPGatewayConfig configures the HTTP gateway client.
type HTTPGatewayConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPGateway implements Gateway against the KidBox backend REST API, with
// server-sent events for realtime subscriptions.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPGateway constructs the HTTP gateway.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPGateway{baseURL: base, token: cfg.Token, client: client, logger: logger}, nil
}

func (g *HTTPGateway) documentURL(kind, familyID, id string) string {
	return fmt.Sprintf("%s/v1/families/%s/%s/%s",
		g.baseURL, url.PathEscape(familyID), url.PathEscape(kind), url.PathEscape(id))
}

func (g *HTTPGateway) collectionURL(kind, familyID, suffix string) string {
	return fmt.Sprintf("%s/v1/families/%s/%s/%s",
		g.baseURL, url.PathEscape(familyID), url.PathEscape(kind), suffix)
}

// Upsert implements Gateway.Upsert.
func (g *HTTPGateway) Upsert(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("remote: encode envelope: %w", err)
	}
	return g.do(ctx, http.MethodPut, g.documentURL(envelope.Kind, envelope.FamilyID, envelope.ID), body, nil)
}

// Delete implements Gateway.Delete.
func (g *HTTPGateway) Delete(ctx context.Context, kind, familyID, id string) error {
	return g.do(ctx, http.MethodDelete, g.documentURL(kind, familyID, id), nil, nil)
}

// SoftDelete implements Gateway.SoftDelete.
func (g *HTTPGateway) SoftDelete(ctx context.Context, kind, familyID, id string) error {
	return g.do(ctx, http.MethodPost, g.documentURL(kind, familyID, id)+"/soft-delete", nil, nil)
}

// FetchChangedSince implements Gateway.FetchChangedSince.
func (g *HTTPGateway) FetchChangedSince(ctx context.Context, kind, familyID string, sinceSeconds int64) ([]Envelope, error) {
	target := g.collectionURL(kind, familyID, fmt.Sprintf("changes?since=%d", sinceSeconds))
	var response struct {
		Changes []Envelope `json:"changes"`
	}
	if err := g.do(ctx, http.MethodGet, target, nil, &response); err != nil {
		return nil, err
	}
	return response.Changes, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		request.Header.Set("Authorization", "Bearer "+g.token)
	}

	response, err := g.client.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, target, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s", ErrPermissionDenied, method, target)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

type sseSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Cancel implements Subscription.Cancel.
func (s *sseSubscription) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

// ListenChanges implements Gateway.ListenChanges over a server-sent-events
// stream. The subscription ends when Cancel is called, the context is
// cancelled, or the stream fails; stream failures reach the error handler.
func (g *HTTPGateway) ListenChanges(ctx context.Context, kind, familyID string, onChange ChangeHandler, onError ErrorHandler) (Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	target := g.collectionURL(kind, familyID, "subscribe")

	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote: build subscribe request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	if g.token != "" {
		request.Header.Set("Authorization", "Bearer "+g.token)
	}

	// Streaming requests must not inherit the client-wide timeout.
	streamClient := &http.Client{Transport: g.client.Transport}

	response, err := streamClient.Do(request)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote: subscribe %s/%s: %w", familyID, kind, err)
	}
	if response.StatusCode == http.StatusForbidden {
		response.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s/%s", ErrPermissionDenied, familyID, kind)
	}
	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		response.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	subscription := &sseSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		streamErr := g.readStream(streamCtx, response.Body, kind, familyID, onChange)
		// The join completes before the terminal error handler runs, so a
		// handler that cancels its own subscription does not deadlock.
		close(subscription.done)
		if streamErr != nil && onError != nil {
			onError(streamErr)
		}
	}()
	return subscription, nil
}

func (g *HTTPGateway) readStream(ctx context.Context, body io.ReadCloser, kind, familyID string, onChange ChangeHandler) error {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				g.dispatchEvent(data.String(), kind, familyID, onChange)
				data.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(value, " "))
		}
	}
	if data.Len() > 0 {
		g.dispatchEvent(data.String(), kind, familyID, onChange)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("remote: subscription stream %s/%s: %w", familyID, kind, err)
	}
	if ctx.Err() == nil {
		// Server closed the stream without a transport error.
		return fmt.Errorf("remote: subscription closed %s/%s: %w", familyID, kind, io.EOF)
	}
	return nil
}

func (g *HTTPGateway) dispatchEvent(raw, kind, familyID string, onChange ChangeHandler) {
	var batch ChangeBatch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		g.logger.Warn("dropping malformed realtime event",
			zap.String("family_id", familyID),
			zap.String("entity_kind", kind),
			zap.Error(err))
		return
	}
	if batch.Empty() {
		return
	}
	if onChange != nil {
		onChange(batch)
	}
}
