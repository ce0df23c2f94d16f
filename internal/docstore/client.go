package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"keygate/internal/domain"
)

// Client talks to the key-document service over HTTP, with live watches over
// websocket.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "http://localhost:8086"
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Get(ctx context.Context, keyID string) (*domain.KeyDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/keys/"+keyID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrKeyNotFound
	default:
		return nil, fmt.Errorf("%w: unexpected status %s", domain.ErrRemoteUnavailable, resp.Status)
	}

	var doc domain.KeyDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrRemoteUnavailable, err)
	}
	return &doc, nil
}

func (c *Client) RecordAccess(ctx context.Context, keyID string, access AccessRequest) error {
	data, err := json.Marshal(access)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/v1/keys/"+keyID, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return domain.ErrKeyNotFound
	case http.StatusConflict:
		return domain.ErrKeyBound
	default:
		return fmt.Errorf("%w: unexpected status %s", domain.ErrRemoteUnavailable, resp.Status)
	}
}

func (c *Client) Watch(ctx context.Context, keyID string) (Watcher, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/keys/" + keyID + "/watch"
	conn, res, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		if res != nil {
			_ = res.Body.Close()
		}
		return nil, fmt.Errorf("%w: watch dial: %v", domain.ErrRemoteUnavailable, err)
	}

	w := &wsWatcher{
		conn:   conn,
		events: make(chan Event, 8),
	}
	go w.read(ctx)
	return w, nil
}

type wsWatcher struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	err    error
	closed bool
}

func (w *wsWatcher) Events() <-chan Event { return w.events }

func (w *wsWatcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *wsWatcher) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	_ = w.conn.Close(websocket.StatusNormalClosure, "watch closed")
}

func (w *wsWatcher) read(ctx context.Context) {
	defer close(w.events)
	for {
		var ev Event
		if err := wsjson.Read(ctx, w.conn, &ev); err != nil {
			w.mu.Lock()
			if !w.closed && ctx.Err() == nil {
				w.err = fmt.Errorf("%w: watch read: %v", domain.ErrRemoteUnavailable, err)
			}
			w.mu.Unlock()
			return
		}
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
