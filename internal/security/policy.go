// Package security implements permission policy evaluation and the security
// audit log for the hostd dispatch core. The policy is an explicitly owned
// state object: the dispatcher holds the only reference and all mutation
// funnels through AddRule, RemoveRule, and SetLevel.
package security

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"hostd/internal/logging"
)

// Verdict is the outcome of a policy evaluation.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// Effect is the declared outcome of a rule.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule matches a permission triple. Pattern is a glob over the resource:
// a literal prefix optionally followed by a single trailing "*", which
// matches any suffix including path separators. A bare "*" matches every
// resource.
type Rule struct {
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	Operation    string `json:"operation" yaml:"operation"`
	Pattern      string `json:"resource" yaml:"resource"`
	Effect       Effect `json:"effect" yaml:"effect"`
}

// seqRule is a stored rule with its insertion sequence, used for the
// most-recently-added tie-break.
type seqRule struct {
	Rule
	seq uint64
}

// Policy evaluates permission triples against a rule set at the current
// security level. Safe for concurrent use; it guards its own state and
// never takes locks belonging to other subsystems.
type Policy struct {
	mu    sync.RWMutex
	level Level
	rules []seqRule
	seq   uint64
	log   *zap.Logger
}

// NewPolicy creates a policy at the given level with an initial rule set.
func NewPolicy(level Level, rules []Rule) *Policy {
	p := &Policy{
		level: level,
		log:   logging.L(logging.CategorySecurity),
	}
	for _, r := range rules {
		p.AddRule(r)
	}
	return p
}

// Level returns the current security level.
func (p *Policy) Level() Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.level
}

// SetLevel changes the security level. The change applies to subsequently
// dispatched requests; in-flight evaluations keep the level they read.
func (p *Policy) SetLevel(level Level) {
	p.mu.Lock()
	old := p.level
	p.level = level
	p.mu.Unlock()
	p.log.Info("security level changed",
		zap.String("from", old.String()),
		zap.String("to", level.String()))
}

// AddRule appends a rule to the set. Later additions win specificity ties.
func (p *Policy) AddRule(r Rule) {
	p.mu.Lock()
	p.seq++
	p.rules = append(p.rules, seqRule{Rule: r, seq: p.seq})
	p.mu.Unlock()
	p.log.Info("permission rule added",
		zap.String("resource_type", r.ResourceType),
		zap.String("operation", r.Operation),
		zap.String("pattern", r.Pattern),
		zap.String("effect", string(r.Effect)))
}

// RemoveRule deletes all rules equal to r. Removing a rule that does not
// exist is a no-op, not an error: callers may race to clean up the same
// rule.
func (p *Policy) RemoveRule(r Rule) {
	p.mu.Lock()
	kept := p.rules[:0]
	removed := 0
	for _, sr := range p.rules {
		if sr.Rule == r {
			removed++
			continue
		}
		kept = append(kept, sr)
	}
	p.rules = kept
	p.mu.Unlock()
	if removed > 0 {
		p.log.Info("permission rule removed",
			zap.String("resource_type", r.ResourceType),
			zap.String("operation", r.Operation),
			zap.String("pattern", r.Pattern))
	}
}

// Rules returns a copy of the current rule set in insertion order.
func (p *Policy) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Rule, len(p.rules))
	for i, sr := range p.rules {
		out[i] = sr.Rule
	}
	return out
}

// Evaluate resolves a permission triple to a verdict. Among rules whose
// resource type and operation match exactly and whose pattern matches the
// resource, the longest literal prefix wins; ties go to the most recently
// added rule. With no match the level default applies.
func (p *Policy) Evaluate(resourceType, operation, resource string) Verdict {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var (
		best     *seqRule
		bestSpec = -1
	)
	for i := range p.rules {
		sr := &p.rules[i]
		if sr.ResourceType != resourceType || sr.Operation != operation {
			continue
		}
		if !patternMatch(sr.Pattern, resource) {
			continue
		}
		spec := literalPrefixLen(sr.Pattern)
		if spec > bestSpec || (spec == bestSpec && best != nil && sr.seq > best.seq) {
			best = sr
			bestSpec = spec
		}
	}

	if best == nil {
		return p.level.defaultVerdict()
	}
	if best.Effect == EffectAllow {
		return Allow
	}
	return Deny
}

// patternMatch reports whether a rule pattern matches a resource. The
// wildcard "*" matches any suffix, path separators included.
func patternMatch(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(resource, prefix)
	}
	return pattern == resource
}

// literalPrefixLen is the rule's specificity: the length of the literal
// text before any wildcard. An exact pattern outranks every prefix
// pattern of the same length.
func literalPrefixLen(pattern string) int {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return len(prefix)
	}
	// Exact patterns rank above a prefix pattern of identical literal
	// length ("/a/b" beats "/a/b*").
	return len(pattern) + 1
}
