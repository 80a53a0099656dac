package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostd/internal/memory"
	"hostd/internal/security"
	"hostd/internal/tools"
)

func newTestDispatcher(t *testing.T, level security.Level) *Dispatcher {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Descriptor{
		ID:   "echo",
		Name: "Echo",
		Capabilities: []tools.Capability{
			{Name: "say", Parameters: []tools.Parameter{{Name: "text", Type: "string", Required: true}}},
		},
	}, func(_ context.Context, _ string, params map[string]any) (any, error) {
		return params["text"], nil
	}))

	return NewDispatcher(Options{
		Memory:       memory.NewRegistry(memory.Quotas{Global: 1 << 30}, memory.DefaultThresholds()),
		Tools:        reg,
		Policy:       security.NewPolicy(level, nil),
		Audit:        security.NewAuditLog(100, nil),
		DrainTimeout: 2 * time.Second,
		Version:      "test",
	})
}

func allocReq(size int64, category, purpose string) Request {
	return Request{
		ID:   "r1",
		Type: ReqMemoryAllocate,
		Params: map[string]any{
			"size_bytes": float64(size),
			"category":   category,
			"purpose":    purpose,
		},
		Timestamp: time.Now(),
	}
}

func mustAllocate(t *testing.T, d *Dispatcher, sessionID string, size int64) memory.Handle {
	t.Helper()
	resp := d.Process(context.Background(), sessionID, allocReq(size, "working", "test buffer"))
	require.True(t, resp.Success, "allocate failed: %+v", resp.Error)
	return resp.Payload.(AllocatePayload).Handle
}

func TestAllocateScenario(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, allocReq(1048576, "Working", "Image processing"))
	require.True(t, resp.Success)
	h := resp.Payload.(AllocatePayload).Handle
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, int64(1048576), h.Size)

	status := d.Process(context.Background(), s.ID, Request{ID: "r2", Type: ReqMemoryStatus})
	require.True(t, status.Success)
	st := status.Payload.(memory.Status)
	assert.Equal(t, int64(1048576), st.Categories[memory.CategoryWorking].Used)

	rel := d.Process(context.Background(), s.ID, Request{
		ID:     "r3",
		Type:   ReqMemoryRelease,
		Params: map[string]any{"handle_id": h.ID},
	})
	require.True(t, rel.Success)

	status = d.Process(context.Background(), s.ID, Request{ID: "r4", Type: ReqMemoryStatus})
	st = status.Payload.(memory.Status)
	assert.Equal(t, int64(0), st.Categories[memory.CategoryWorking].Used)
}

func TestUnknownSession(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	resp := d.Process(context.Background(), "ghost", Request{ID: "r1", Type: ReqMemoryStatus})
	require.False(t, resp.Success)
	assert.Equal(t, KindSessionNotFound, resp.Error.Kind)
}

func TestUnknownRequestType(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)
	resp := d.Process(context.Background(), s.ID, Request{ID: "r1", Type: "memory_defragment"})
	require.False(t, resp.Success)
	assert.Equal(t, KindInvalidArgument, resp.Error.Kind)
}

func TestAllocateRejectsFractionalSize(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, Request{
		ID:   "r1",
		Type: ReqMemoryAllocate,
		Params: map[string]any{
			"size_bytes": 1024.7,
			"category":   "working",
		},
	})
	require.False(t, resp.Success)
	assert.Equal(t, KindInvalidArgument, resp.Error.Kind)

	status := d.Process(context.Background(), s.ID, Request{ID: "r2", Type: ReqMemoryStatus})
	require.True(t, status.Success)
	assert.Equal(t, int64(0), status.Payload.(memory.Status).Global.Used)
}

func TestPermissionDenied(t *testing.T) {
	d := newTestDispatcher(t, security.LevelMaximum)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, allocReq(64, "working", "denied"))
	require.False(t, resp.Success)
	assert.Equal(t, KindPermissionDenied, resp.Error.Kind)

	// Registry must be untouched.
	d.policy.AddRule(security.Rule{ResourceType: "memory", Operation: "status", Pattern: "*", Effect: security.EffectAllow})
	status := d.Process(context.Background(), s.ID, Request{ID: "r2", Type: ReqMemoryStatus})
	require.True(t, status.Success)
	assert.Equal(t, int64(0), status.Payload.(memory.Status).Global.Used)
}

func TestDeniedRequestIsAudited(t *testing.T) {
	d := newTestDispatcher(t, security.LevelMaximum)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, allocReq(64, "working", "denied"))
	require.False(t, resp.Success)

	entries := d.audit.Recent(10)
	require.NotEmpty(t, entries)
	last := entries[0]
	assert.Equal(t, s.ID, last.SessionID)
	assert.Equal(t, "memory", last.ResourceType)
	assert.Equal(t, "allocate", last.Operation)
	assert.Equal(t, "deny", last.Verdict)
	assert.Equal(t, string(KindPermissionDenied), last.ErrorKind)
}

func TestCloseReleasesAllHandles(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	for i := 0; i < 5; i++ {
		mustAllocate(t, d, s.ID, 1024)
	}
	require.Equal(t, int64(5*1024), d.mem.Status().Global.Used)

	resp := d.Process(context.Background(), s.ID, Request{ID: "c1", Type: ReqSessionClose})
	require.True(t, resp.Success)
	payload := resp.Payload.(ClosePayload)
	assert.Equal(t, 5, payload.Released)
	assert.Empty(t, payload.Errors)

	assert.Equal(t, int64(0), d.mem.Status().Global.Used)

	// Closed sessions are rejected afterwards.
	after := d.Process(context.Background(), s.ID, Request{ID: "c2", Type: ReqMemoryStatus})
	require.False(t, after.Success)
	assert.Equal(t, KindSessionNotFound, after.Error.Kind)
}

func TestDoubleRelease(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)
	h := mustAllocate(t, d, s.ID, 2048)

	rel := Request{ID: "r1", Type: ReqMemoryRelease, Params: map[string]any{"handle_id": h.ID}}
	first := d.Process(context.Background(), s.ID, rel)
	require.True(t, first.Success)

	second := d.Process(context.Background(), s.ID, rel)
	require.False(t, second.Success)
	assert.Equal(t, KindHandleNotFound, second.Error.Kind)
}

// faultyMemory wraps a real registry and fails releases for chosen handles.
type faultyMemory struct {
	*memory.Registry
	mu       sync.Mutex
	failIDs  map[string]struct{}
	blockRel chan struct{}
}

func (f *faultyMemory) Release(handleID string) (memory.Handle, error) {
	if f.blockRel != nil {
		<-f.blockRel
	}
	f.mu.Lock()
	_, fail := f.failIDs[handleID]
	f.mu.Unlock()
	if fail {
		return memory.Handle{}, errors.New("backing store unavailable")
	}
	return f.Registry.Release(handleID)
}

func TestClosePartialSweepFailure(t *testing.T) {
	fm := &faultyMemory{
		Registry: memory.NewRegistry(memory.Quotas{}, memory.DefaultThresholds()),
		failIDs:  make(map[string]struct{}),
	}
	d := NewDispatcher(Options{
		Memory: fm,
		Tools:  tools.NewRegistry(),
		Policy: security.NewPolicy(security.LevelStandard, nil),
		Audit:  security.NewAuditLog(100, nil),
	})
	s := d.CreateSession(nil)

	h1 := mustAllocate(t, d, s.ID, 100)
	h2 := mustAllocate(t, d, s.ID, 200)

	// Make whichever handle sorts second fail to release.
	failed := h2.ID
	if h2.ID < h1.ID {
		failed = h1.ID
	}
	fm.failIDs[failed] = struct{}{}

	payload, err := d.CloseSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Released)
	require.Len(t, payload.Errors, 1)
	assert.Contains(t, payload.Errors[0], failed)

	snap, ok := d.Session(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusClosed, snap.Status)

	// The succeeding handle is gone from the registry.
	released := h1.ID
	if failed == h1.ID {
		released = h2.ID
	}
	_, found := fm.Registry.Get(released)
	assert.False(t, found)
}

func TestAllocateRacesClose(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)

	for i := 0; i < 20; i++ {
		s := d.CreateSession(nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				d.Process(context.Background(), s.ID, allocReq(256, "working", "race"))
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = d.CloseSession(s.ID)
		}()
		wg.Wait()

		// Whatever the interleaving, nothing may be left allocated once
		// stragglers are swept.
		_, _ = d.CloseSession(s.ID)
		assert.Equal(t, int64(0), d.mem.Status().Global.Used)
	}
}

func TestOptimizeThroughDispatch(t *testing.T) {
	tight := NewDispatcher(Options{
		Memory: memory.NewRegistry(memory.Quotas{PerCategory: map[memory.Category]int64{
			memory.CategoryWorking: 100,
		}}, memory.DefaultThresholds()),
		Tools:  tools.NewRegistry(),
		Policy: security.NewPolicy(security.LevelStandard, nil),
		Audit:  security.NewAuditLog(100, nil),
	})
	ts := tight.CreateSession(nil)
	resp := tight.Process(context.Background(), ts.ID, allocReq(100, "working", "fits"))
	require.True(t, resp.Success)

	opt := tight.Process(context.Background(), ts.ID, Request{
		ID:     "o1",
		Type:   ReqMemoryOptimize,
		Params: map[string]any{"strategy": "conservative"},
	})
	require.True(t, opt.Success)
	payload := opt.Payload.(OptimizePayload)
	assert.Empty(t, payload.ReclaimedIDs, "within quota, nothing reclaimed")

	// Close after optimize must not report phantom failures.
	closed, err := tight.CloseSession(ts.ID)
	require.NoError(t, err)
	assert.Empty(t, closed.Errors)
}

func TestToolsExecute(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, Request{
		ID:   "t1",
		Type: ReqToolsExecute,
		Params: map[string]any{
			"tool_id":    "echo",
			"capability": "say",
			"parameters": map[string]any{"text": "hello"},
		},
	})
	require.True(t, resp.Success)
	assert.Equal(t, "hello", resp.Payload.(ExecutePayload).Result)

	missing := d.Process(context.Background(), s.ID, Request{
		ID:   "t2",
		Type: ReqToolsExecute,
		Params: map[string]any{
			"tool_id":    "ghost",
			"capability": "say",
		},
	})
	require.False(t, missing.Success)
	assert.Equal(t, KindToolNotFound, missing.Error.Kind)
}

func TestSecurityLevelRoundTrip(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, Request{
		ID:     "l1",
		Type:   ReqSecuritySetLevel,
		Params: map[string]any{"level": "high"},
	})
	require.True(t, resp.Success)
	assert.Equal(t, security.LevelHigh, d.policy.Level())

	bad := d.Process(context.Background(), s.ID, Request{
		ID:     "l2",
		Type:   ReqSecuritySetLevel,
		Params: map[string]any{"level": "extreme"},
	})
	require.False(t, bad.Success)
	assert.Equal(t, KindInvalidArgument, bad.Error.Kind)
}

func TestRuleLifecycleThroughDispatch(t *testing.T) {
	d := newTestDispatcher(t, security.LevelMaximum)
	s := d.CreateSession(nil)

	ruleParams := map[string]any{
		"resource_type": "memory",
		"operation":     "allocate",
		"resource":      "*",
		"effect":        "allow",
	}
	// At Maximum the default denies even rule mutation until a rule allows it.
	denied := d.Process(context.Background(), s.ID, Request{ID: "a0", Type: ReqSecurityAddRule, Params: ruleParams})
	require.False(t, denied.Success)
	assert.Equal(t, KindPermissionDenied, denied.Error.Kind)

	d.policy.AddRule(security.Rule{ResourceType: "security", Operation: "add_rule", Pattern: "*", Effect: security.EffectAllow})
	d.policy.AddRule(security.Rule{ResourceType: "security", Operation: "remove_rule", Pattern: "*", Effect: security.EffectAllow})

	added := d.Process(context.Background(), s.ID, Request{ID: "a1", Type: ReqSecurityAddRule, Params: ruleParams})
	require.True(t, added.Success)

	alloc := d.Process(context.Background(), s.ID, allocReq(128, "working", "now allowed"))
	require.True(t, alloc.Success)

	// Removing a rule that does not exist still succeeds.
	ghost := map[string]any{
		"resource_type": "file",
		"operation":     "write",
		"resource":      "/nonexistent",
		"effect":        "deny",
	}
	removed := d.Process(context.Background(), s.ID, Request{ID: "a2", Type: ReqSecurityRemoveRule, Params: ghost})
	require.True(t, removed.Success)
}

func TestAuditThroughDispatch(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	for i := 0; i < 3; i++ {
		d.Process(context.Background(), s.ID, Request{ID: fmt.Sprintf("q%d", i), Type: ReqMemoryStatus})
	}
	resp := d.Process(context.Background(), s.ID, Request{
		ID:     "aud",
		Type:   ReqSecurityAudit,
		Params: map[string]any{"limit": float64(2)},
	})
	require.True(t, resp.Success)
	entries := resp.Payload.(AuditPayload).Entries
	assert.Len(t, entries, 2)
	assert.Equal(t, "status", entries[0].Operation)
}

func TestSystemInfo(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)

	resp := d.Process(context.Background(), s.ID, Request{ID: "i1", Type: ReqSystemInfo})
	require.True(t, resp.Success)
	info := resp.Payload.(InfoPayload)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, 1, info.ActiveSessions)
	assert.Equal(t, 1, info.ToolCount)
	assert.Equal(t, "standard", info.SecurityLevel)
}

func TestShutdownDrainsSessions(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	for i := 0; i < 4; i++ {
		s := d.CreateSession(nil)
		mustAllocate(t, d, s.ID, 512)
	}

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, int64(0), d.mem.Status().Global.Used)
	assert.Empty(t, d.sessions.Undrained())
}

func TestShutdownTimeoutReportsStragglers(t *testing.T) {
	block := make(chan struct{})
	fm := &faultyMemory{
		Registry: memory.NewRegistry(memory.Quotas{}, memory.DefaultThresholds()),
		failIDs:  make(map[string]struct{}),
		blockRel: block,
	}
	d := NewDispatcher(Options{
		Memory:       fm,
		Tools:        tools.NewRegistry(),
		Policy:       security.NewPolicy(security.LevelStandard, nil),
		Audit:        security.NewAuditLog(100, nil),
		DrainTimeout: 50 * time.Millisecond,
	})
	s := d.CreateSession(nil)
	mustAllocate(t, d, s.ID, 64)

	err := d.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownIncomplete)
	assert.Contains(t, err.Error(), s.ID)
	assert.Equal(t, KindShutdownIncomplete, Classify(err))

	close(block) // let the stuck close finish so its goroutine exits
}

func TestConcurrentMixedDispatch(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := d.CreateSession(nil)
			var handles []string
			for j := 0; j < 20; j++ {
				resp := d.Process(context.Background(), s.ID, allocReq(128, "short_term", "burst"))
				if resp.Success {
					handles = append(handles, resp.Payload.(AllocatePayload).Handle.ID)
				}
			}
			for _, h := range handles[:len(handles)/2] {
				d.Process(context.Background(), s.ID, Request{
					ID:     "rel",
					Type:   ReqMemoryRelease,
					Params: map[string]any{"handle_id": h},
				})
			}
			_, err := d.CloseSession(s.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), d.mem.Status().Global.Used)
}

func TestMustAllocateBlockedAfterClose(t *testing.T) {
	d := newTestDispatcher(t, security.LevelStandard)
	s := d.CreateSession(nil)
	_, err := d.CloseSession(s.ID)
	require.NoError(t, err)

	resp := d.Process(context.Background(), s.ID, allocReq(64, "working", "late"))
	require.False(t, resp.Success)
	assert.Equal(t, KindSessionNotFound, resp.Error.Kind)

	_, err = d.CloseSession(s.ID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
