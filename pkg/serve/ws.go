package serve

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// handleStream speaks the generate protocol over a websocket: each
// binary frame is one msgpack GenerateRequest, answered by one msgpack
// GenerateResponse (or an error frame). The connection stays open for
// interactive clients that vamp repeatedly against the same model.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	s.log.Info("stream open", "remote", r.RemoteAddr)

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("stream closed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			s.writeStreamError(conn, "frames must be binary msgpack")
			continue
		}

		var req GenerateRequest
		if err := msgpack.Unmarshal(raw, &req); err != nil {
			s.writeStreamError(conn, "decode request: "+err.Error())
			continue
		}
		resp, err := s.generate(r, &req)
		if err != nil {
			s.writeStreamError(conn, err.Error())
			continue
		}
		data, err := msgpack.Marshal(resp)
		if err != nil {
			s.writeStreamError(conn, "encode response: "+err.Error())
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.log.Warn("stream write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

func (s *Server) writeStreamError(conn *websocket.Conn, msg string) {
	data, err := msgpack.Marshal(errorResponse{Error: msg})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.BinaryMessage, data)
}
