// Package remotestore implements the document store contract against a
// canvasync server, so an engine Manager can run unchanged on either a
// local backend or a remote one.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to the canvasync HTTP API. Reads and conditional writes go
// over plain HTTP with bounded retries for transient failures; Subscribe
// and SubscribePresence hold websocket streams with automatic reconnect.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     store.Logger

	mu      sync.Mutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	watches sync.WaitGroup
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     store.Logger
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, store.ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func (c *Client) canvasPath(canvasID string) string {
	return "/v1/canvases/" + url.PathEscape(canvasID)
}

func (c *Client) Get(ctx context.Context, canvasID string) (canvas.State, bool, error) {
	if canvasID == "" {
		return canvas.State{}, false, store.ErrInvalidInput
	}
	var state canvas.State
	_, err := c.doJSON(ctx, http.MethodGet, c.canvasPath(canvasID), nil, nil, &state)
	if err != nil {
		return canvas.State{}, false, mapTransportError(err)
	}
	// The server answers the empty default for documents that were never
	// written; version zero with no history marks that case.
	found := state.Version > 0 || len(state.Strokes) > 0 || state.OwnerID != ""
	return state, found, nil
}

// Transact implements read-check-write over HTTP: fetch the latest state,
// run the update, then PUT with If-Match pinned to the version that was
// read. A 409 surfaces as ErrVersionConflict for the caller to retry.
func (c *Client) Transact(ctx context.Context, canvasID string, fn store.UpdateFunc) (canvas.State, error) {
	if canvasID == "" || fn == nil {
		return canvas.State{}, store.ErrInvalidInput
	}
	current, _, err := c.Get(ctx, canvasID)
	if err != nil {
		return canvas.State{}, err
	}
	expected := current.Version
	next, err := fn(current)
	if err != nil {
		return canvas.State{}, err
	}
	next.CanvasID = canvasID

	headers := map[string]string{
		"If-Match": `"` + strconv.FormatInt(expected, 10) + `"`,
	}
	var committed canvas.State
	resp, err := c.doJSON(ctx, http.MethodPut, c.canvasPath(canvasID), headers, next, &committed)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusConflict:
				return canvas.State{}, &store.VersionConflictError{
					CanvasID:        canvasID,
					ExpectedVersion: expected,
					CurrentVersion:  etagVersion(resp),
				}
			case http.StatusForbidden:
				return canvas.State{}, fmt.Errorf("%w: %s", canvas.ErrPermissionDenied, httpErr.Message)
			case http.StatusUnprocessableEntity:
				return canvas.State{}, &canvas.CanvasFullError{CanvasID: canvasID, Count: next.StrokeCount()}
			}
		}
		return canvas.State{}, mapTransportError(err)
	}
	return committed, nil
}

func (c *Client) WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error {
	if canvasID == "" || entry.UserID == "" {
		return store.ErrInvalidInput
	}
	_, err := c.doJSON(ctx, http.MethodPut, c.canvasPath(canvasID)+"/presence", nil, entry, nil)
	return mapTransportError(err)
}

func (c *Client) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if canvasID == "" || userID == "" {
		return store.ErrInvalidInput
	}
	_, err := c.doJSON(ctx, http.MethodDelete, c.canvasPath(canvasID)+"/presence", nil, nil, nil)
	return mapTransportError(err)
}

func (c *Client) Subscribe(ctx context.Context, canvasID string, fn func(canvas.State)) (store.CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, store.ErrInvalidInput
	}
	return c.startWatch(ctx, c.canvasPath(canvasID)+"/watch", func(watchCtx context.Context, conn *websocket.Conn) error {
		var state canvas.State
		if err := wsjson.Read(watchCtx, conn, &state); err != nil {
			return err
		}
		fn(state)
		return nil
	})
}

func (c *Client) SubscribePresence(ctx context.Context, canvasID string, fn func([]canvas.PresenceEntry)) (store.CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, store.ErrInvalidInput
	}
	return c.startWatch(ctx, c.canvasPath(canvasID)+"/presence/watch", func(watchCtx context.Context, conn *websocket.Conn) error {
		var entries []canvas.PresenceEntry
		if err := wsjson.Read(watchCtx, conn, &entries); err != nil {
			return err
		}
		fn(entries)
		return nil
	})
}

// startWatch holds one websocket stream open, reconnecting with backoff
// until the caller's context ends, the returned cancel fires, or the
// client closes. readOne consumes exactly one message and dispatches it.
func (c *Client) startWatch(ctx context.Context, path string, readOne func(context.Context, *websocket.Conn) error) (store.CancelFunc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	watchCtx, cancel := context.WithCancel(c.ctx)
	stopAfter := context.AfterFunc(ctx, cancel)
	c.watches.Add(1)
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += path + "?access_token=" + url.QueryEscape(c.token)

	go func() {
		defer c.watches.Done()
		delay := c.baseDelay
		for {
			if watchCtx.Err() != nil {
				return
			}
			conn, _, err := websocket.Dial(watchCtx, wsURL, nil)
			if err != nil {
				c.logger.Printf("watch dial %s failed, retrying in %s: %v", path, delay, err)
				if waitErr := waitWithContext(watchCtx, delay); waitErr != nil {
					return
				}
				delay *= 2
				if delay > c.maxDelay {
					delay = c.maxDelay
				}
				continue
			}
			delay = c.baseDelay
			for {
				if err := readOne(watchCtx, conn); err != nil {
					conn.Close(websocket.StatusNormalClosure, "")
					if watchCtx.Err() != nil {
						return
					}
					c.logger.Printf("watch stream %s dropped, reconnecting: %v", path, err)
					break
				}
			}
		}
	}()

	return func() {
		stopAfter()
		cancel()
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.watches.Wait()
	return nil
}

// doJSON issues one API request with bounded retries for transient
// failures (connection errors, 429 and 5xx), honoring Retry-After. The
// response headers are returned so callers can read the ETag.
func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (http.Header, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.Header, nil
			}
			return resp.Header, json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return resp.Header, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// mapTransportError folds HTTP failures into the store's error space.
func mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", canvas.ErrPermissionDenied, httpErr.Message)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s", store.ErrStoreUnavailable, httpErr.Message)
		}
	}
	return err
}

func etagVersion(headers http.Header) int64 {
	if headers == nil {
		return 0
	}
	raw := strings.Trim(strings.TrimSpace(headers.Get("ETag")), `"`)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return version
}

func correlationID() string {
	return fmt.Sprintf("canvasync_%d", time.Now().UnixNano())
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
