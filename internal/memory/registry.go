// Package memory implements the allocation registry for the hostd core.
// The registry owns allocation records keyed by handle, tracks per-category
// and global usage against configured quotas, and reclaims idle handles on
// demand. Handle ownership (which session holds which handle) lives in the
// kernel's session table, not here.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostd/internal/logging"
)

// Category classifies an allocation for quota accounting and optimization
// priority. System allocations are never reclaimed.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryShortTerm  Category = "short_term"
	CategoryWorking    Category = "working"
	CategoryLongTerm   Category = "long_term"
	CategoryBackground Category = "background"
)

// Categories lists all categories in a stable order.
var Categories = []Category{
	CategorySystem,
	CategoryShortTerm,
	CategoryWorking,
	CategoryLongTerm,
	CategoryBackground,
}

// ParseCategory converts a request parameter to a Category. It accepts the
// canonical snake_case names plus the CamelCase spellings clients tend to
// send ("ShortTerm", "Working").
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "system":
		return CategorySystem, nil
	case "shortterm":
		return CategoryShortTerm, nil
	case "working":
		return CategoryWorking, nil
	case "longterm":
		return CategoryLongTerm, nil
	case "background":
		return CategoryBackground, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
}

// Strategy selects how aggressively Optimize reclaims idle handles.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyBalanced     Strategy = "balanced"
	StrategyConservative Strategy = "conservative"
)

// ParseStrategy converts a request parameter to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "aggressive":
		return StrategyAggressive, nil
	case "balanced":
		return StrategyBalanced, nil
	case "conservative":
		return StrategyConservative, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

// Handle describes a live allocation. Copies are handed out; the registry
// keeps the mutable record.
type Handle struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Category    Category  `json:"category"`
	Size        int64     `json:"size_bytes"`
	Purpose     string    `json:"purpose"`
	AllocatedAt time.Time `json:"allocated_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
}

// Quotas configures the registry limits. A zero or negative quota means
// unlimited for that scope.
type Quotas struct {
	Global      int64
	PerCategory map[Category]int64
}

// Thresholds holds the idle cutoffs for optimization strategies.
type Thresholds struct {
	AggressiveIdle time.Duration
	BalancedIdle   time.Duration
}

// DefaultThresholds are the documented optimization constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AggressiveIdle: time.Minute,
		BalancedIdle:   5 * time.Minute,
	}
}

// CategoryUsage is one row of a Status report.
type CategoryUsage struct {
	Used  int64 `json:"used_bytes"`
	Quota int64 `json:"quota_bytes"`
}

// Status is a point-in-time usage report.
type Status struct {
	Global     CategoryUsage              `json:"global"`
	Categories map[Category]CategoryUsage `json:"categories"`
}

// OptimizeResult reports what an optimization pass reclaimed.
type OptimizeResult struct {
	Reclaimed  []Handle `json:"reclaimed"`
	BytesFreed int64    `json:"bytes_freed"`
}

// Registry is the memory subsystem. Safe for concurrent use; it guards its
// own state with a single mutex and never calls into other subsystems.
type Registry struct {
	mu         sync.RWMutex
	handles    map[string]*Handle
	used       map[Category]int64
	globalUsed int64
	quotas     Quotas
	thresholds Thresholds
	log        *zap.Logger

	// now is injectable so tests can age handles without sleeping.
	now func() time.Time
}

// NewRegistry creates a registry with the given quotas and thresholds.
func NewRegistry(quotas Quotas, thresholds Thresholds) *Registry {
	used := make(map[Category]int64, len(Categories))
	for _, c := range Categories {
		used[c] = 0
	}
	if thresholds.AggressiveIdle <= 0 {
		thresholds.AggressiveIdle = DefaultThresholds().AggressiveIdle
	}
	if thresholds.BalancedIdle <= 0 {
		thresholds.BalancedIdle = DefaultThresholds().BalancedIdle
	}
	return &Registry{
		handles:    make(map[string]*Handle),
		used:       used,
		quotas:     quotas,
		thresholds: thresholds,
		log:        logging.L(logging.CategoryMemory),
		now:        time.Now,
	}
}

// Allocate creates a new allocation record and returns its handle. On a
// quota failure the registry state is unchanged.
func (r *Registry) Allocate(sessionID string, category Category, size int64, purpose string) (Handle, error) {
	if size <= 0 {
		return Handle{}, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if q := r.quotas.PerCategory[category]; q > 0 && r.used[category]+size > q {
		return Handle{}, fmt.Errorf("%w: category %s would use %d of %d bytes",
			ErrQuotaExceeded, category, r.used[category]+size, q)
	}
	if r.quotas.Global > 0 && r.globalUsed+size > r.quotas.Global {
		return Handle{}, fmt.Errorf("%w: global total would use %d of %d bytes",
			ErrQuotaExceeded, r.globalUsed+size, r.quotas.Global)
	}

	now := r.now()
	h := &Handle{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Category:    category,
		Size:        size,
		Purpose:     purpose,
		AllocatedAt: now,
		LastAccess:  now,
	}
	r.handles[h.ID] = h
	r.used[category] += size
	r.globalUsed += size

	r.log.Debug("allocated",
		zap.String("handle", h.ID),
		zap.String("session", sessionID),
		zap.String("category", string(category)),
		zap.Int64("size", size))
	return *h, nil
}

// Adopt reinstates a previously exported handle, keeping its id and
// timestamps. Quota checks apply exactly as for Allocate; a duplicate id
// is rejected.
func (r *Registry) Adopt(h Handle) error {
	if h.ID == "" {
		return fmt.Errorf("cannot adopt handle with empty id")
	}
	if h.Size <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSize, h.Size)
	}
	if _, err := ParseCategory(string(h.Category)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[h.ID]; ok {
		return fmt.Errorf("handle %s already present", h.ID)
	}
	if q := r.quotas.PerCategory[h.Category]; q > 0 && r.used[h.Category]+h.Size > q {
		return fmt.Errorf("%w: category %s would use %d of %d bytes",
			ErrQuotaExceeded, h.Category, r.used[h.Category]+h.Size, q)
	}
	if r.quotas.Global > 0 && r.globalUsed+h.Size > r.quotas.Global {
		return fmt.Errorf("%w: global total would use %d of %d bytes",
			ErrQuotaExceeded, r.globalUsed+h.Size, r.quotas.Global)
	}

	cp := h
	r.handles[cp.ID] = &cp
	r.used[cp.Category] += cp.Size
	r.globalUsed += cp.Size

	r.log.Debug("adopted",
		zap.String("handle", cp.ID),
		zap.String("session", cp.SessionID),
		zap.String("category", string(cp.Category)),
		zap.Int64("size", cp.Size))
	return nil
}

// Release frees an allocation. Releasing an unknown or already released
// handle fails with ErrHandleNotFound.
func (r *Registry) Release(handleID string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, err := r.releaseLocked(handleID)
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (r *Registry) releaseLocked(handleID string) (Handle, error) {
	h, ok := r.handles[handleID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrHandleNotFound, handleID)
	}
	delete(r.handles, handleID)
	r.used[h.Category] -= h.Size
	r.globalUsed -= h.Size
	if r.used[h.Category] < 0 || r.globalUsed < 0 {
		// Accounting can only go negative through a registry bug. The
		// tracking invariants are safety-critical, so abort rather than
		// keep serving with corrupted state.
		panic(fmt.Sprintf("memory accounting corrupted: category=%s used=%d global=%d",
			h.Category, r.used[h.Category], r.globalUsed))
	}
	r.log.Debug("released",
		zap.String("handle", h.ID),
		zap.String("category", string(h.Category)),
		zap.Int64("size", h.Size))
	return *h, nil
}

// Touch records an access to a handle, updating its idle clock.
func (r *Registry) Touch(handleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[handleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, handleID)
	}
	h.LastAccess = r.now()
	h.AccessCount++
	return nil
}

// Get returns a copy of a live handle.
func (r *Registry) Get(handleID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[handleID]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Status returns per-category and global used/quota. Pure read, safe to
// call concurrently with mutation.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		Global:     CategoryUsage{Used: r.globalUsed, Quota: r.quotas.Global},
		Categories: make(map[Category]CategoryUsage, len(Categories)),
	}
	for _, c := range Categories {
		st.Categories[c] = CategoryUsage{Used: r.used[c], Quota: r.quotas.PerCategory[c]}
	}
	return st
}

// Optimize reclaims idle handles according to the strategy. The pass takes
// a consistent snapshot under the registry lock, so a handle released
// concurrently is never double counted. System handles are never
// reclaimed; Background and ShortTerm go first. An empty result is not an
// error.
func (r *Registry) Optimize(strategy Strategy) OptimizeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var result OptimizeResult

	switch strategy {
	case StrategyAggressive, StrategyBalanced:
		idle := r.thresholds.AggressiveIdle
		if strategy == StrategyBalanced {
			idle = r.thresholds.BalancedIdle
		}
		for _, h := range r.reclaimOrderLocked() {
			if now.Sub(h.LastAccess) < idle {
				continue
			}
			freed, err := r.releaseLocked(h.ID)
			if err != nil {
				continue
			}
			result.Reclaimed = append(result.Reclaimed, freed)
			result.BytesFreed += freed.Size
		}

	case StrategyConservative:
		// Conservative only reclaims while a category is over quota,
		// oldest idle handles first.
		for _, c := range Categories {
			if c == CategorySystem {
				continue
			}
			q := r.quotas.PerCategory[c]
			if q <= 0 {
				continue
			}
			for _, h := range r.categoryByIdleLocked(c) {
				if r.used[c] <= q {
					break
				}
				freed, err := r.releaseLocked(h.ID)
				if err != nil {
					continue
				}
				result.Reclaimed = append(result.Reclaimed, freed)
				result.BytesFreed += freed.Size
			}
		}
	}

	r.log.Info("optimization pass complete",
		zap.String("strategy", string(strategy)),
		zap.Int("reclaimed", len(result.Reclaimed)),
		zap.Int64("bytes_freed", result.BytesFreed))
	return result
}

// reclaimOrderLocked returns non-System handles in reclaim priority order:
// Background first, then ShortTerm, then the rest, oldest idle first
// within a category.
func (r *Registry) reclaimOrderLocked() []*Handle {
	rank := map[Category]int{
		CategoryBackground: 0,
		CategoryShortTerm:  1,
		CategoryWorking:    2,
		CategoryLongTerm:   3,
	}
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		if h.Category == CategorySystem {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Category] != rank[out[j].Category] {
			return rank[out[i].Category] < rank[out[j].Category]
		}
		return out[i].LastAccess.Before(out[j].LastAccess)
	})
	return out
}

// categoryByIdleLocked returns a category's handles, oldest idle first.
func (r *Registry) categoryByIdleLocked(c Category) []*Handle {
	out := make([]*Handle, 0)
	for _, h := range r.handles {
		if h.Category == c {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccess.Before(out[j].LastAccess)
	})
	return out
}
