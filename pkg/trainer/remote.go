package trainer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Remote runtime protocol: each request is one msgpack binary frame,
// answered by exactly one response frame. The runtime owns the model;
// this side owns batch assembly.
const (
	opStep   = "step"
	opEval   = "eval"
	opExport = "export"
)

type remoteRequest struct {
	Op    string `msgpack:"op"`
	Batch *Batch `msgpack:"batch,omitempty"`
}

type remoteResponse struct {
	Op     string      `msgpack:"op"`
	Result *StepResult `msgpack:"result,omitempty"`
	Blob   []byte      `msgpack:"blob,omitempty"`
	Error  string      `msgpack:"error,omitempty"`
}

// RemoteStepper drives a model runtime over a websocket. The protocol
// is strictly request/response, so all calls serialize on one mutex.
type RemoteStepper struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialRemote connects to a model runtime at url (ws:// or wss://).
func DialRemote(ctx context.Context, url string, header http.Header) (*RemoteStepper, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("trainer: dial runtime %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("trainer: dial runtime %s: %w", url, err)
	}
	return &RemoteStepper{conn: conn}, nil
}

func (r *RemoteStepper) roundTrip(ctx context.Context, req remoteRequest) (*remoteResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		r.conn.SetWriteDeadline(deadline)
		r.conn.SetReadDeadline(deadline)
	}

	data, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("trainer: marshal %s request: %w", req.Op, err)
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("trainer: send %s request: %w", req.Op, err)
	}

	_, raw, err := r.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("trainer: read %s response: %w", req.Op, err)
	}
	var resp remoteResponse
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("trainer: decode %s response: %w", req.Op, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("trainer: runtime %s: %s", req.Op, resp.Error)
	}
	return &resp, nil
}

// Step implements Stepper.
func (r *RemoteStepper) Step(ctx context.Context, batch *Batch) (*StepResult, error) {
	resp, err := r.roundTrip(ctx, remoteRequest{Op: opStep, Batch: batch})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("trainer: runtime step returned no result")
	}
	return resp.Result, nil
}

// Eval implements Stepper.
func (r *RemoteStepper) Eval(ctx context.Context, batch *Batch) (*StepResult, error) {
	resp, err := r.roundTrip(ctx, remoteRequest{Op: opEval, Batch: batch})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("trainer: runtime eval returned no result")
	}
	return resp.Result, nil
}

// Export implements Stepper: the runtime ships a weights snapshot back
// in one frame.
func (r *RemoteStepper) Export(ctx context.Context) (io.ReadCloser, error) {
	resp, err := r.roundTrip(ctx, remoteRequest{Op: opExport})
	if err != nil {
		return nil, err
	}
	if len(resp.Blob) == 0 {
		return nil, fmt.Errorf("trainer: runtime export returned no weights")
	}
	return io.NopCloser(bytes.NewReader(resp.Blob)), nil
}

// Close shuts the connection down.
func (r *RemoteStepper) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return r.conn.Close()
}
