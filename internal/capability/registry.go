package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/policy"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Call is one invocation request.
type Call struct {
	ClientID   string
	ToolID     string
	CallID     string
	MessageID  string
	Parameters map[string]any
}

// Result is a successful invocation.
type Result struct {
	ToolID    string
	CallID    string
	MessageID string
	Payload   map[string]any
}

// Options configures a Registry. Every field is optional.
type Options struct {
	Logger      *slog.Logger
	Bus         *bus.Bus
	Tracer      trace.Tracer
	Permissions *Permissions
	// ExecTimeout bounds one Execute call. Zero means no bound beyond ctx.
	ExecTimeout time.Duration
}

// Registry is the process-wide set of tool definitions plus the permission
// table consulted by Invoke.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]compiledTool

	perms       *Permissions
	logger      *slog.Logger
	bus         *bus.Bus
	tracer      trace.Tracer
	execTimeout time.Duration
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perms := opts.Permissions
	if perms == nil {
		perms = NewPermissions(nil)
	}
	return &Registry{
		tools:       make(map[string]compiledTool),
		perms:       perms,
		logger:      logger,
		bus:         opts.Bus,
		tracer:      otel.TracerOrNoop(opts.Tracer),
		execTimeout: opts.ExecTimeout,
	}
}

// Permissions exposes the permission table.
func (r *Registry) Permissions() *Permissions { return r.perms }

// RegisterTool adds def, replacing any earlier registration with the same id.
// The parameter schema is compiled here so a bad schema fails at startup.
func (r *Registry) RegisterTool(def Definition) error {
	if def.ToolID == "" {
		return fmt.Errorf("register tool: empty tool id")
	}
	if def.Execute == nil {
		return fmt.Errorf("register tool %s: nil execute func", def.ToolID)
	}
	if def.Parameters.Type == "" {
		def.Parameters.Type = "object"
	}
	schema, err := compileSchema(def.ToolID, def.Parameters)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", def.ToolID, err)
	}

	r.mu.Lock()
	_, replaced := r.tools[def.ToolID]
	r.tools[def.ToolID] = compiledTool{def: def, schema: schema}
	r.mu.Unlock()

	r.logger.Debug("tool registered", "tool_id", def.ToolID, "category", def.Category, "replaced", replaced)
	return nil
}

func (r *Registry) lookup(toolID string) (compiledTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	return t, ok
}

// ToolIDs returns every registered tool id, sorted.
func (r *Registry) ToolIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for id := range r.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ToolCategories implements policy.Catalog.
func (r *Registry) ToolCategories() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.tools))
	for id, t := range r.tools {
		out[id] = t.def.Category
	}
	return out
}

// DefaultGrants resolves the tool ids a new connection receives.
func (r *Registry) DefaultGrants(p policy.Checker) []string {
	if p == nil {
		return nil
	}
	return p.DefaultTools(r)
}

// GrantDefaults grants clientID the policy's default tools and returns them.
func (r *Registry) GrantDefaults(ctx context.Context, clientID string, p policy.Checker) []string {
	ids := r.DefaultGrants(p)
	if len(ids) > 0 {
		r.perms.Grant(ctx, clientID, "default_policy", ids...)
	}
	return ids
}

// Discover returns the schema of every tool clientID holds a grant for,
// sorted by tool id. Grants naming unregistered tools are skipped.
func (r *Registry) Discover(clientID string) []ToolSchema {
	granted := r.perms.Grants(clientID)
	out := make([]ToolSchema, 0, len(granted))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range granted {
		if t, ok := r.tools[id]; ok {
			out = append(out, t.def.schema())
		}
	}
	return out
}

// Invoke runs one tool call. Checks run in a fixed order: tool id present,
// tool known, grant held, required parameters present, parameter types.
// Every returned error carries the call id.
func (r *Registry) Invoke(ctx context.Context, call Call) (Result, *protocol.Error) {
	if call.CallID == "" {
		call.CallID = shared.NewCallID()
	}
	ctx, span := otel.StartSpan(ctx, r.tracer, "tool.invoke",
		otel.AttrToolID.String(call.ToolID),
		otel.AttrCallID.String(call.CallID),
		otel.AttrClientID.String(call.ClientID),
	)
	defer span.End()

	res, perr := r.invoke(ctx, call)
	if perr != nil {
		perr = perr.WithCallID(call.CallID)
		span.SetStatus(codes.Error, perr.Message)
		span.SetAttributes(otel.AttrErrorCode.String(perr.Code))
	}

	ev := bus.ToolEvent{ClientID: call.ClientID, ToolID: call.ToolID, CallID: call.CallID}
	if perr != nil {
		ev.ErrorCode = perr.Code
	}
	r.bus.Publish(bus.TopicToolInvoked, ev)
	return res, perr
}

func (r *Registry) invoke(ctx context.Context, call Call) (Result, *protocol.Error) {
	if call.ToolID == "" {
		return Result{}, protocol.Validation(protocol.CodeMissingToolID, "missing tool id")
	}
	tool, ok := r.lookup(call.ToolID)
	if !ok {
		return Result{}, protocol.NotFound(protocol.CodeToolNotFound, "tool not found: "+call.ToolID)
	}
	if !r.perms.Granted(call.ClientID, call.ToolID) {
		r.perms.deny(ctx, call.ClientID, call.ToolID)
		return Result{}, protocol.Permission(protocol.CodePermissionDenied, "permission denied")
	}
	for _, name := range tool.def.Parameters.Required {
		if _, present := call.Parameters[name]; !present {
			return Result{}, protocol.Validation(protocol.CodeInvalidParameters, "missing required parameter: "+name)
		}
	}
	if msg := validateParams(tool.schema, call.Parameters); msg != "" {
		return Result{}, protocol.Validation(protocol.CodeInvalidParameters, msg)
	}

	payload, err := r.execute(ctx, tool.def, call.Parameters)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool_id", call.ToolID, "call_id", call.CallID, "client_id", call.ClientID, "error", err)
		return Result{}, protocol.Execution(protocol.CodeExecutionError, err.Error())
	}
	r.logger.Debug("tool call completed", "tool_id", call.ToolID, "call_id", call.CallID, "client_id", call.ClientID)
	return Result{ToolID: call.ToolID, CallID: call.CallID, MessageID: call.MessageID, Payload: payload}, nil
}

func (r *Registry) execute(ctx context.Context, def Definition, params map[string]any) (payload map[string]any, err error) {
	if r.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.execTimeout)
		defer cancel()
	}
	if params == nil {
		params = map[string]any{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	payload, err = def.Execute(ctx, params)
	if err == nil && payload == nil {
		payload = map[string]any{}
	}
	return payload, err
}
