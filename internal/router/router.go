// Package router dispatches decoded client frames to handlers registered by
// message type. Handler failures become one error envelope for the
// originating client; the connection loop never sees them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Request is what a handler receives for one inbound frame.
type Request struct {
	ClientID string
	TraceID  string
	Message  protocol.Inbound
}

// HandlerFunc handles one message type. A returned *protocol.Error is sent
// to the client as-is; any other error becomes internal_error.
type HandlerFunc func(ctx context.Context, req Request) error

// Module groups the routes of one handler. A module is built with only the
// collaborators it declares, so it can be tested in isolation.
type Module interface {
	Routes() map[string]HandlerFunc
}

// Sender delivers envelopes to a client.
type Sender interface {
	Send(ctx context.Context, clientID string, env protocol.Envelope) bool
}

type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Router struct {
	mu     sync.RWMutex
	routes map[string]HandlerFunc

	sender  Sender
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func New(sender Sender, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes:  make(map[string]HandlerFunc),
		sender:  sender,
		logger:  logger,
		tracer:  otel.TracerOrNoop(opts.Tracer),
		metrics: opts.Metrics,
	}
}

// Register binds a message type to fn. A later registration replaces an
// earlier one.
func (r *Router) Register(msgType string, fn HandlerFunc) {
	if msgType == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[msgType]; ok {
		r.logger.Debug("replacing route", "message_type", msgType)
	}
	r.routes[msgType] = fn
}

// RegisterModule registers every route of m.
func (r *Router) RegisterModule(m Module) {
	for msgType, fn := range m.Routes() {
		r.Register(msgType, fn)
	}
}

// Types returns the registered message types, sorted.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(msgType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.routes[msgType]
	return fn, ok
}

// Dispatch handles one raw frame from clientID. It never returns an error
// and never closes the connection.
func (r *Router) Dispatch(ctx context.Context, clientID string, raw []byte) {
	start := time.Now()
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithClientID(ctx, clientID)

	msg, err := protocol.Decode(raw)
	msgType := msg.Type
	if msgType == "" {
		msgType = "invalid"
	}
	ctx = shared.WithMessageType(ctx, msgType)

	ctx, span := otel.StartServerSpan(ctx, r.tracer, "ws.dispatch",
		otel.AttrMessageType.String(msgType),
		otel.AttrClientID.String(clientID),
	)
	defer span.End()

	if err == nil {
		fn, ok := r.lookup(msg.Type)
		if !ok {
			unknown := protocol.Validation(protocol.CodeUnknownMessageType, "unknown message type: "+msg.Type)
			unknown.RequestType = msg.Type
			err = unknown
		} else {
			err = r.call(ctx, fn, Request{ClientID: clientID, TraceID: traceID, Message: msg})
		}
	}

	if err != nil {
		perr := r.toProtocolError(ctx, err, msg.Type)
		span.SetStatus(codes.Error, perr.Message)
		span.SetAttributes(otel.AttrErrorCode.String(perr.Code))
		if r.metrics != nil {
			r.metrics.DispatchErrors.Add(ctx, 1, metric.WithAttributes(
				otel.AttrMessageType.String(msgType),
				otel.AttrErrorCode.String(perr.Code),
			))
		}
		reply := protocol.ErrorEnvelope(perr)
		if perr.Reply != nil {
			reply = *perr.Reply
		}
		r.sender.Send(ctx, clientID, reply)
	}

	if r.metrics != nil {
		r.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrMessageType.String(msgType)))
	}
	r.logger.Debug("dispatched", append(shared.LogAttrs(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
		"failed", err != nil,
	)...)
}

func (r *Router) call(ctx context.Context, fn HandlerFunc, req Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx, req)
}

func (r *Router) toProtocolError(ctx context.Context, err error, msgType string) *protocol.Error {
	var known *protocol.Error
	if !errors.As(err, &known) {
		r.logger.Error("handler failed", append(shared.LogAttrs(ctx), "error", err)...)
	}
	perr := protocol.AsError(err)
	if perr.RequestType == "" && msgType != "" {
		cp := *perr
		cp.RequestType = msgType
		perr = &cp
	}
	return perr
}
