// Package serve exposes masked token generation over HTTP. One endpoint
// pair per model: POST /v1/generate takes a JSON request, the websocket
// at /v1/stream speaks the same request/response shapes as msgpack
// frames for interactive clients.
//
// Requests are validated against the checkpoint's layout before the
// model runs; shape errors come back as 400s naming the offending
// dimension. Generation calls on one model serialize on a mutex, so a
// single loaded model never runs concurrent forward passes.
package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/gen"
	"github.com/loopgen/loopgen/pkg/grid"
)

// GenerateRequest is the wire form of one generation call. Codes and
// CodesMask are required; Ctrls and CtrlMask come together or not at
// all. Sampling overrides the server's defaults when present.
type GenerateRequest struct {
	Codes     *grid.CodeGrid    `json:"codes" msgpack:"codes"`
	CodesMask *grid.CodesMask   `json:"codes_mask" msgpack:"codes_mask"`
	Ctrls     *grid.ControlGrid `json:"ctrls,omitempty" msgpack:"ctrls,omitempty"`
	CtrlMask  *grid.ControlMask `json:"ctrl_mask,omitempty" msgpack:"ctrl_mask,omitempty"`
	Sampling  *gen.Config       `json:"sampling,omitempty" msgpack:"sampling,omitempty"`
}

// GenerateResponse carries the completed grid.
type GenerateResponse struct {
	Codes     *grid.CodeGrid `json:"codes" msgpack:"codes"`
	ElapsedMS int64          `json:"elapsed_ms" msgpack:"elapsed_ms"`
}

type errorResponse struct {
	Error string `json:"error" msgpack:"error"`
}

// Server serves one loaded model.
type Server struct {
	model    gen.Model
	manifest checkpoint.Manifest
	sampling gen.Config
	log      *slog.Logger

	// genMu serializes generation: one forward-pass pipeline per model.
	genMu sync.Mutex
}

// New builds a server around a loaded model and the manifest it was
// restored from.
func New(model gen.Model, manifest checkpoint.Manifest, sampling gen.Config, log *slog.Logger) (*Server, error) {
	if model == nil {
		return nil, errors.New("serve: model is required")
	}
	if manifest.Levels <= 0 || manifest.VocabSize <= 0 {
		return nil, fmt.Errorf("serve: manifest lacks codec layout: levels=%d vocab=%d",
			manifest.Levels, manifest.VocabSize)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{model: model, manifest: manifest, sampling: sampling, log: log}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/manifest", s.handleManifest)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		next.ServeHTTP(w, r)
		s.log.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"elapsed", time.Since(start))
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manifest)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decode request: " + err.Error()})
		return
	}
	resp, err := s.generate(r, &req)
	if err != nil {
		status := http.StatusInternalServerError
		var badReq *requestError
		if errors.As(err, &badReq) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) generate(r *http.Request, req *GenerateRequest) (*GenerateResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	sampling := s.sampling
	if req.Sampling != nil {
		sampling = *req.Sampling
	}

	start := time.Now()
	s.genMu.Lock()
	out, err := gen.Generate(r.Context(), s.model, sampling, int32(s.manifest.VocabSize),
		req.Codes, req.CodesMask, req.Ctrls, req.CtrlMask)
	s.genMu.Unlock()
	if err != nil {
		if errors.Is(err, grid.ErrShapeMismatch) || errors.Is(err, grid.ErrEmptyGrid) {
			return nil, &requestError{err}
		}
		return nil, fmt.Errorf("generate: %w", err)
	}
	return &GenerateResponse{Codes: out, ElapsedMS: time.Since(start).Milliseconds()}, nil
}

// requestError marks failures the client caused.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequestf(format string, args ...any) error {
	return &requestError{fmt.Errorf(format, args...)}
}

// validate checks the request against the checkpoint layout before any
// model work happens.
func (s *Server) validate(req *GenerateRequest) error {
	if req.Codes == nil || req.CodesMask == nil {
		return badRequestf("codes and codes_mask are required")
	}
	if err := req.Codes.Validate(s.manifest.VocabSize); err != nil {
		return &requestError{err}
	}
	if req.Codes.Levels() != s.manifest.Levels {
		return badRequestf("codes has %d levels, model expects %d", req.Codes.Levels(), s.manifest.Levels)
	}
	if err := req.CodesMask.FitsGrid(req.Codes); err != nil {
		return &requestError{err}
	}
	if (req.Ctrls == nil) != (req.CtrlMask == nil) {
		return badRequestf("ctrls and ctrl_mask must be supplied together")
	}
	if req.Ctrls != nil {
		if err := req.Ctrls.AlignedWith(req.Codes); err != nil {
			return &requestError{err}
		}
		if err := req.CtrlMask.FitsGrid(req.Ctrls); err != nil {
			return &requestError{err}
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
