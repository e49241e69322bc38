// Package api exposes the orchestrator over HTTP (status, conversation,
// utterances, metrics) and gRPC health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/orchestrator"
)

// Backend is the orchestrator surface the API needs.
type Backend interface {
	Status(ctx context.Context) (orchestrator.Status, error)
	Conversation(ctx context.Context, n int) ([]entities.Turn, error)
	Submit(ctx context.Context, text string) error
	AcknowledgeFault(ctx context.Context) (bool, error)
	Fatal() bool
}

type Poller interface {
	Poll(ctx context.Context) entities.Snapshot
}

// Deps wires the API. MQTTConnected, Influx and Metrics may be nil when the
// corresponding component is not configured.
type Deps struct {
	Backend       Backend
	Sensors       Poller
	MQTTConnected func() bool
	Influx        interface{ LastErrorAge() time.Duration }
	Metrics       http.Handler
	// RequestTimeout bounds every loop request.
	RequestTimeout time.Duration
}

type server struct {
	d   Deps
	log *zap.Logger
}

const maxUtterance = 4 << 10

func NewRouter(d Deps, log *zap.Logger) *mux.Router {
	if log == nil {
		log = zap.NewNop()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 5 * time.Second
	}
	s := &server{d: d, log: log}

	r := mux.NewRouter()
	r.Handle("/healthz", NewHealthHandler(d)).Methods(http.MethodGet)
	r.Handle("/readyz", NewReadyHandler(d, 30*time.Second)).Methods(http.MethodGet)
	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversation", s.getConversation).Methods(http.MethodGet)
	r.HandleFunc("/v1/utterances", s.postUtterance).Methods(http.MethodPost)
	r.HandleFunc("/v1/fault/ack", s.postAck).Methods(http.MethodPost)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler wraps the router with panic recovery and an access log written to out.
func Handler(r http.Handler, out io.Writer) http.Handler {
	return handlers.LoggingHandler(out, handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(r))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) loopError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "orchestrator stopped")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "orchestrator busy")
	default:
		s.log.Warn("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type statusResponse struct {
	orchestrator.Status
	Sensors entities.Snapshot `json:"sensors"`
}

func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.d.RequestTimeout)
	defer cancel()
	st, err := s.d.Backend.Status(ctx)
	if err != nil {
		s.loopError(w, err)
		return
	}
	resp := statusResponse{Status: st}
	if s.d.Sensors != nil {
		resp.Sensors = s.d.Sensors.Poll(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) getConversation(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		n = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.d.RequestTimeout)
	defer cancel()
	turns, err := s.d.Backend.Conversation(ctx, n)
	if err != nil {
		s.loopError(w, err)
		return
	}
	if turns == nil {
		turns = []entities.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type utteranceRequest struct {
	Text string `json:"text"`
}

func (s *server) postUtterance(w http.ResponseWriter, r *http.Request) {
	var req utteranceRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUtterance))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.d.RequestTimeout)
	defer cancel()
	if err := s.d.Backend.Submit(ctx, text); err != nil {
		s.loopError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (s *server) postAck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.d.RequestTimeout)
	defer cancel()
	was, err := s.d.Backend.AcknowledgeFault(ctx)
	if err != nil {
		s.loopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": was})
}
