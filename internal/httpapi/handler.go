// Package httpapi exposes the key service to browsers: a websocket for live
// state and queue requests plus a few plain JSON endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/keyd/api"
	"pkt.systems/keyd/internal/broadcast"
	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/notify"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/keyd/internal/version"
	"pkt.systems/pslog"
)

const headerRequestID = "X-Keyd-Request-ID"

// Service is the subset of core.Service the transport drives.
type Service interface {
	Enqueue(ctx context.Context, clientID string) (core.Reply, error)
	LeaveQueue(ctx context.Context, clientID string) (core.Reply, error)
	Switch(ctx context.Context) (core.Snapshot, error)
	State(ctx context.Context) (core.Snapshot, error)
	Attach(ctx context.Context, clientID, connID string, greet func(core.Event)) error
	Disconnect(ctx context.Context, clientID, connID string) error
}

// Subscriber registers websocket observers for broadcast events.
type Subscriber interface {
	Subscribe(broadcast.Observer) (unsubscribe func())
	Len() int
}

// Linker associates a client with an external identity carried in a signed
// request (the chat integration).
type Linker interface {
	Link(clientID, signedRequest string)
}

// Config wires the handler.
type Config struct {
	Service Service
	Hub     Subscriber
	Linker  Linker
	Logger  pslog.Logger

	// SendBuffer is the number of outbound messages queued per websocket
	// before the connection is considered too slow and closed.
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// SecureCookie marks the session cookie Secure.
	SecureCookie   bool
	TracingEnabled bool
	// CheckOrigin overrides the websocket origin check. Nil accepts
	// same-origin requests only.
	CheckOrigin func(*http.Request) bool
}

// Handler serves the HTTP and websocket API.
type Handler struct {
	svc    Service
	hub    Subscriber
	linker Linker
	logger pslog.Logger
	tracer trace.Tracer

	sendBuffer     int
	writeTimeout   time.Duration
	pingInterval   time.Duration
	secureCookie   bool
	tracingEnabled bool
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	closing bool
	conns   map[*wsConn]struct{}
	wg      sync.WaitGroup
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	h := &Handler{
		svc:            cfg.Service,
		hub:            cfg.Hub,
		linker:         cfg.Linker,
		logger:         svcfields.WithSubsystem(cfg.Logger, "api.http"),
		tracer:         otel.Tracer("pkt.systems/keyd/httpapi"),
		sendBuffer:     cfg.SendBuffer,
		writeTimeout:   cfg.WriteTimeout,
		pingInterval:   cfg.PingInterval,
		secureCookie:   cfg.SecureCookie,
		tracingEnabled: cfg.TracingEnabled,
		conns:          make(map[*wsConn]struct{}),
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultSendBuffer
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = DefaultWriteTimeout
	}
	if h.pingInterval <= 0 {
		h.pingInterval = DefaultPingInterval
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return h
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/ws", h.wrap("ws", h.handleWebsocket))
	mux.Handle("/state", h.wrap("state", h.handleState))
	mux.Handle("/switch", h.wrap("switch", h.handleSwitch))
	mux.Handle("/glance", h.wrap("glance", h.handleGlance))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "keyd.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)

		var span trace.Span
		if h.tracingEnabled {
			ctx, span = h.tracer.Start(ctx, "keyd.tx."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("keyd.operation", operation),
					attribute.String("keyd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := h.logger.With("req_id", reqID, "method", r.Method, "path", r.URL.Path)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(convertCoreError(err), &httpErr) {
				span.SetAttributes(
					attribute.String("keyd.error_code", httpErr.Code),
					attribute.Int("keyd.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func requireMethod(r *http.Request, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: fmt.Sprintf("%s requires %s", r.URL.Path, strings.Join(methods, " or ")),
	}
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	snap, err := h.svc.State(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, snap, nil)
	return nil
}

func (h *Handler) handleSwitch(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet, http.MethodPost); err != nil {
		return err
	}
	snap, err := h.svc.Switch(r.Context())
	if err != nil {
		return err
	}
	pslog.LoggerFromContext(r.Context()).Info("custody switched", "status", snap.Status())
	h.writeJSON(w, http.StatusOK, snap, nil)
	return nil
}

func (h *Handler) handleGlance(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	snap, err := h.svc.State(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, notify.Glance(snap), map[string]string{"Cache-Control": "no-store"})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	resp := api.HealthResponse{Status: "ok", Version: version.Current()}
	if h.hub != nil {
		resp.Clients = h.hub.Len()
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func convertCoreError(err error) error {
	var failure core.Failure
	switch {
	case errors.As(err, &failure):
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
	case errors.Is(err, core.ErrStopped), errors.Is(err, core.ErrSensorFailed):
		return httpError{Status: http.StatusServiceUnavailable, Code: "service_stopped", Detail: "key service is not running"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusServiceUnavailable, Code: "canceled", Detail: "request canceled"}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(convertCoreError(err), &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail}, nil)
		return
	}
	logger.Error("http.request.panic", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

// Connections returns the number of open websocket connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open websocket and waits for their handlers to
// finish disconnecting from the service.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}
