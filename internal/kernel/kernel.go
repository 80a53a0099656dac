package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostd/internal/logging"
	"hostd/internal/memory"
	"hostd/internal/security"
	"hostd/internal/tools"
)

// MemoryBackend is the slice of the memory registry the dispatcher drives.
type MemoryBackend interface {
	Allocate(sessionID string, category memory.Category, size int64, purpose string) (memory.Handle, error)
	Adopt(h memory.Handle) error
	Release(handleID string) (memory.Handle, error)
	Get(handleID string) (memory.Handle, bool)
	Optimize(strategy memory.Strategy) memory.OptimizeResult
	Status() memory.Status
}

// ToolBackend is the slice of the tool registry the dispatcher drives.
type ToolBackend interface {
	List() []tools.Listing
	Invoke(ctx context.Context, toolID, capability string, params map[string]any) (any, error)
}

// Options configures a Dispatcher.
type Options struct {
	Memory       MemoryBackend
	Tools        ToolBackend
	Policy       *security.Policy
	Audit        *security.AuditLog
	DrainTimeout time.Duration
	Version      string
}

// Dispatcher is the request router. It owns the session table outright and
// mediates every call into the memory, tool, and security subsystems; the
// subsystems never call back into it.
type Dispatcher struct {
	sessions *SessionTable
	mem      MemoryBackend
	tools    ToolBackend
	policy   *security.Policy
	audit    *security.AuditLog

	drainTimeout time.Duration
	version      string
	startedAt    time.Time
	log          *zap.Logger
}

// NewDispatcher wires the subsystems into a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Dispatcher{
		sessions:     NewSessionTable(),
		mem:          opts.Memory,
		tools:        opts.Tools,
		policy:       opts.Policy,
		audit:        opts.Audit,
		drainTimeout: opts.DrainTimeout,
		version:      opts.Version,
		startedAt:    time.Now().UTC(),
		log:          logging.L(logging.CategoryKernel),
	}
}

// CreateSession mints a new Active session. Session creation is the one
// operation that by definition has no session to authenticate against, so
// it is exposed to the transport directly rather than through Process.
func (d *Dispatcher) CreateSession(metadata map[string]string) *Session {
	s := d.sessions.Create(metadata)
	d.log.Info("session created", zap.String("session", s.ID))
	return s
}

// Session returns a snapshot of a session record.
func (d *Dispatcher) Session(id string) (Session, bool) {
	return d.sessions.Get(id)
}

// Process routes one request for an authenticated session. Every outcome,
// including failures before the permission check, lands in the audit log
// before the response is produced.
func (d *Dispatcher) Process(ctx context.Context, sessionID string, req Request) Response {
	rt, ok := routeTable[req.Type]
	if !ok {
		err := fmt.Errorf("%w: unknown request type %q", ErrInvalidArgument, req.Type)
		d.record(sessionID, "", string(req.Type), "", security.Deny, err)
		return fail(req, err)
	}
	resource := rt.resource(req)

	if err := d.sessions.CheckActive(sessionID); err != nil {
		d.record(sessionID, rt.resourceType, rt.operation, resource, security.Deny, err)
		return fail(req, err)
	}

	verdict := d.policy.Evaluate(rt.resourceType, rt.operation, resource)
	if verdict == security.Deny {
		err := fmt.Errorf("%w: %s/%s on %q", ErrPermissionDenied, rt.resourceType, rt.operation, resource)
		d.record(sessionID, rt.resourceType, rt.operation, resource, security.Deny, err)
		return fail(req, err)
	}

	payload, err := d.handle(ctx, sessionID, req)
	d.record(sessionID, rt.resourceType, rt.operation, resource, security.Allow, err)
	if err != nil {
		return fail(req, err)
	}
	return succeed(req, payload)
}

// record appends one audit entry. Failures carry their envelope kind.
func (d *Dispatcher) record(sessionID, resourceType, operation, resource string, verdict security.Verdict, err error) {
	e := security.AuditEntry{
		SessionID:    sessionID,
		ResourceType: resourceType,
		Operation:    operation,
		Resource:     resource,
		Verdict:      verdict.String(),
	}
	if err != nil {
		e.ErrorKind = string(Classify(err))
		e.Detail = err.Error()
	}
	d.audit.Record(e)
}

func (d *Dispatcher) handle(ctx context.Context, sessionID string, req Request) (any, error) {
	switch req.Type {
	case ReqMemoryAllocate:
		return d.handleAllocate(sessionID, req)
	case ReqMemoryRelease:
		return d.handleRelease(req)
	case ReqMemoryOptimize:
		return d.handleOptimize(req)
	case ReqMemoryStatus:
		return d.mem.Status(), nil
	case ReqToolsList:
		return ToolsListPayload{Tools: d.tools.List()}, nil
	case ReqToolsExecute:
		return d.handleExecute(ctx, req)
	case ReqSecuritySetLevel:
		return d.handleSetLevel(req)
	case ReqSecurityAddRule:
		return d.handleAddRule(req)
	case ReqSecurityRemoveRule:
		return d.handleRemoveRule(req)
	case ReqSecurityAudit:
		return d.handleAudit(req)
	case ReqSessionClose:
		return d.handleClose(sessionID, req)
	case ReqSystemInfo:
		return d.systemInfo(), nil
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidArgument, req.Type)
	}
}

// AllocatePayload is the success payload of memory_allocate.
type AllocatePayload struct {
	Handle memory.Handle `json:"handle"`
}

func (d *Dispatcher) handleAllocate(sessionID string, req Request) (any, error) {
	size, err := intParam(req.Params, "size_bytes")
	if err != nil {
		return nil, err
	}
	catStr, err := stringParam(req.Params, "category")
	if err != nil {
		return nil, err
	}
	category, err := memory.ParseCategory(catStr)
	if err != nil {
		return nil, err
	}
	purpose, _ := stringParam(req.Params, "purpose")

	// Allocation and ownership registration happen under the session
	// table lock, memory registry lock taken inside. Session table always
	// locks first; see SessionTable.WithActive.
	var h memory.Handle
	err = d.sessions.WithActive(sessionID, func() (string, error) {
		var aerr error
		h, aerr = d.mem.Allocate(sessionID, category, size, purpose)
		if aerr != nil {
			return "", aerr
		}
		return h.ID, nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug("handle allocated",
		zap.String("session", sessionID),
		zap.String("handle", h.ID),
		zap.String("category", string(category)),
		zap.Int64("size", size))
	return AllocatePayload{Handle: h}, nil
}

// ReleasePayload is the success payload of memory_release.
type ReleasePayload struct {
	HandleID   string `json:"handle_id"`
	BytesFreed int64  `json:"bytes_freed"`
}

func (d *Dispatcher) handleRelease(req Request) (any, error) {
	handleID, err := stringParam(req.Params, "handle_id")
	if err != nil {
		return nil, err
	}
	h, err := d.mem.Release(handleID)
	if err != nil {
		return nil, err
	}
	d.sessions.Disown(h.SessionID, h.ID)
	return ReleasePayload{HandleID: h.ID, BytesFreed: h.Size}, nil
}

// OptimizePayload is the success payload of memory_optimize. An empty
// reclaim set is a success, not an error.
type OptimizePayload struct {
	Strategy     string   `json:"strategy"`
	ReclaimedIDs []string `json:"reclaimed_ids"`
	BytesFreed   int64    `json:"bytes_freed"`
}

func (d *Dispatcher) handleOptimize(req Request) (any, error) {
	stratStr, err := stringParam(req.Params, "strategy")
	if err != nil {
		return nil, err
	}
	strategy, err := memory.ParseStrategy(stratStr)
	if err != nil {
		return nil, err
	}
	res := d.mem.Optimize(strategy)
	ids := make([]string, 0, len(res.Reclaimed))
	for _, h := range res.Reclaimed {
		d.sessions.Disown(h.SessionID, h.ID)
		ids = append(ids, h.ID)
	}
	return OptimizePayload{Strategy: string(strategy), ReclaimedIDs: ids, BytesFreed: res.BytesFreed}, nil
}

// ToolsListPayload is the success payload of tools_list.
type ToolsListPayload struct {
	Tools []tools.Listing `json:"tools"`
}

// ExecutePayload is the success payload of tools_execute.
type ExecutePayload struct {
	ToolID     string `json:"tool_id"`
	Capability string `json:"capability"`
	Result     any    `json:"result"`
}

func (d *Dispatcher) handleExecute(ctx context.Context, req Request) (any, error) {
	toolID, err := stringParam(req.Params, "tool_id")
	if err != nil {
		return nil, err
	}
	capability, err := stringParam(req.Params, "capability")
	if err != nil {
		return nil, err
	}
	params, err := mapParam(req.Params, "parameters")
	if err != nil {
		return nil, err
	}
	result, err := d.tools.Invoke(ctx, toolID, capability, params)
	if err != nil {
		return nil, err
	}
	return ExecutePayload{ToolID: toolID, Capability: capability, Result: result}, nil
}

// LevelPayload is the success payload of security_set_level.
type LevelPayload struct {
	Level string `json:"level"`
}

func (d *Dispatcher) handleSetLevel(req Request) (any, error) {
	levelStr, err := stringParam(req.Params, "level")
	if err != nil {
		return nil, err
	}
	level, err := security.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	d.policy.SetLevel(level)
	d.log.Info("security level changed", zap.String("level", level.String()))
	return LevelPayload{Level: level.String()}, nil
}

func ruleFromParams(params map[string]any) (security.Rule, error) {
	resourceType, err := stringParam(params, "resource_type")
	if err != nil {
		return security.Rule{}, err
	}
	operation, err := stringParam(params, "operation")
	if err != nil {
		return security.Rule{}, err
	}
	pattern, err := stringParam(params, "resource")
	if err != nil {
		return security.Rule{}, err
	}
	effectStr, err := stringParam(params, "effect")
	if err != nil {
		return security.Rule{}, err
	}
	var effect security.Effect
	switch strings.ToLower(effectStr) {
	case "allow":
		effect = security.EffectAllow
	case "deny":
		effect = security.EffectDeny
	default:
		return security.Rule{}, fmt.Errorf("%w: effect must be allow or deny", ErrInvalidArgument)
	}
	return security.Rule{
		ResourceType: resourceType,
		Operation:    operation,
		Pattern:      pattern,
		Effect:       effect,
	}, nil
}

// RulePayload is the success payload of rule mutations.
type RulePayload struct {
	Rule security.Rule `json:"rule"`
}

func (d *Dispatcher) handleAddRule(req Request) (any, error) {
	rule, err := ruleFromParams(req.Params)
	if err != nil {
		return nil, err
	}
	d.policy.AddRule(rule)
	return RulePayload{Rule: rule}, nil
}

// Removing a rule that does not exist succeeds; callers may race to clean
// up the same rule.
func (d *Dispatcher) handleRemoveRule(req Request) (any, error) {
	rule, err := ruleFromParams(req.Params)
	if err != nil {
		return nil, err
	}
	d.policy.RemoveRule(rule)
	return RulePayload{Rule: rule}, nil
}

// AuditPayload is the success payload of security_audit, most recent first.
type AuditPayload struct {
	Entries []security.AuditEntry `json:"entries"`
}

func (d *Dispatcher) handleAudit(req Request) (any, error) {
	limit, err := optionalIntParam(req.Params, "limit", 100)
	if err != nil {
		return nil, err
	}
	return AuditPayload{Entries: d.audit.Recent(int(limit))}, nil
}

// ClosePayload is the success payload of session_close. Release failures
// are aggregated; a partial sweep still closes the session.
type ClosePayload struct {
	SessionID string   `json:"session_id"`
	Released  int      `json:"released"`
	Errors    []string `json:"errors,omitempty"`
}

func (d *Dispatcher) handleClose(sessionID string, req Request) (any, error) {
	target := sessionID
	if s, err := stringParam(req.Params, "session_id"); err == nil && s != "" {
		target = s
	}
	return d.CloseSession(target)
}

// CloseSession flips the session to Closing, releases every owned handle,
// and marks it Closed. The sweep is best-effort: one failed release does
// not stop the rest, and failures are reported in the payload. A handle
// already gone (released or reclaimed concurrently) is not a failure.
func (d *Dispatcher) CloseSession(sessionID string) (ClosePayload, error) {
	owned, err := d.sessions.BeginClose(sessionID)
	if err != nil {
		return ClosePayload{}, err
	}

	out := ClosePayload{SessionID: sessionID}
	for _, handleID := range owned {
		if _, rerr := d.mem.Release(handleID); rerr != nil {
			if errors.Is(rerr, memory.ErrHandleNotFound) {
				continue
			}
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", handleID, rerr))
			continue
		}
		out.Released++
	}
	d.sessions.FinishClose(sessionID)

	d.log.Info("session closed",
		zap.String("session", sessionID),
		zap.Int("released", out.Released),
		zap.Int("failures", len(out.Errors)))
	return out, nil
}

// InfoPayload is the success payload of system_info.
type InfoPayload struct {
	Version        string        `json:"version"`
	StartedAt      time.Time     `json:"started_at"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
	ActiveSessions int           `json:"active_sessions"`
	ToolCount      int           `json:"tool_count"`
	SecurityLevel  string        `json:"security_level"`
	Memory         memory.Status `json:"memory"`
}

func (d *Dispatcher) systemInfo() InfoPayload {
	active, _, _ := d.sessions.Counts()
	return InfoPayload{
		Version:        d.version,
		StartedAt:      d.startedAt,
		UptimeSeconds:  int64(time.Since(d.startedAt).Seconds()),
		ActiveSessions: active,
		ToolCount:      len(d.tools.List()),
		SecurityLevel:  d.policy.Level().String(),
		Memory:         d.mem.Status(),
	}
}

// Shutdown closes every live session and waits for the table to drain.
// If the drain does not finish inside the configured timeout, the error
// is ShutdownIncomplete naming the stragglers; the caller decides what to
// do with a partial drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	ids := d.sessions.ActiveIDs()
	d.log.Info("shutdown drain started", zap.Int("sessions", len(ids)))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if _, err := d.CloseSession(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				d.log.Warn("close during shutdown failed",
					zap.String("session", id),
					zap.Error(err))
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("shutdown drain complete")
		return nil
	case <-time.After(d.drainTimeout):
	case <-ctx.Done():
	}

	stragglers := d.sessions.Undrained()
	if len(stragglers) == 0 {
		return nil
	}
	return fmt.Errorf("%w: sessions still open: %s",
		ErrShutdownIncomplete, strings.Join(stragglers, ", "))
}
