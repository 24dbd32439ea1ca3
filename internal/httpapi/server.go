package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/agent-bus/internal/bus"
)

type Server struct {
	store      bus.API
	dispatcher *bus.Dispatcher
	tracer     trace.Tracer
}

func NewServer(store bus.API) http.Handler {
	s := &Server{
		store:      store,
		dispatcher: bus.NewDispatcher(store),
		tracer:     otel.Tracer("agent-bus/httpapi"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tools/call", s.handleToolCall)
	mux.HandleFunc("/v1/operations", s.handleOperations)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBusError(w http.ResponseWriter, err error) {
	status := 500
	var be *bus.Error
	if errors.As(err, &be) {
		status = be.Status
	}
	writeJSON(w, status, bus.ErrorPayload(err))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeBusError(w, bus.NewValidationJSONError(err))
		return
	}
	var req struct {
		Operation string          `json:"operation"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeBusError(w, bus.NewValidationJSONError(err))
		return
	}
	op := strings.TrimSpace(req.Operation)

	_, span := s.tracer.Start(r.Context(), "bus.tool_call",
		trace.WithAttributes(attribute.String("bus.operation", op)),
	)
	defer span.End()

	payload, err := s.dispatcher.Dispatch(op, req.Arguments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeBusError(w, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	writeJSON(w, 200, payload)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":         true,
		"operations": bus.Operations(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.store.Health())
}
