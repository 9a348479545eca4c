package looper

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/loopgen/loopgen/pkg/serve"
)

// StreamClient talks to a serving endpoint's websocket stream. One
// request is in flight at a time; calls serialize on a mutex.
type StreamClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialStream connects to a /v1/stream endpoint (ws:// or wss://).
func DialStream(ctx context.Context, url string, header http.Header) (*StreamClient, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("looper: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("looper: dial %s: %w", url, err)
	}
	return &StreamClient{conn: conn}, nil
}

// Generate implements Generator over the stream protocol.
func (c *StreamClient) Generate(ctx context.Context, req *serve.GenerateRequest) (*serve.GenerateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
	}

	data, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("looper: marshal request: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("looper: send request: %w", err)
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("looper: read response: %w", err)
	}

	// Error frames carry only an "error" key.
	var e struct {
		Error string `msgpack:"error"`
	}
	if err := msgpack.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return nil, fmt.Errorf("looper: server: %s", e.Error)
	}

	var resp serve.GenerateResponse
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("looper: decode response: %w", err)
	}
	return &resp, nil
}

// Close shuts the stream down.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
