// Package policy evaluates ordered allow/deny rule sets against a request
// context. Evaluation is first-match deny-priority and fail-closed: a
// matching deny rule terminates immediately, an allow rule only wins when no
// deny rule in the whole list matches, and no match at all denies.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/gatewarden/gatewarden/internal/zerotrust/risk"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// EvalContext is the assembled request context a rule condition sees.
// Condition evaluation is side-effect-free: conditions only read this.
type EvalContext struct {
	Identity types.Identity
	Device   types.Device
	Risk     risk.Result
	Resource types.Resource
	Request  types.RequestContext
	Action   string
	Perms    []string
}

// Result is the outcome of evaluating one policy.
type Result struct {
	Allowed       bool     `json:"allowed"`
	MatchedRuleID string   `json:"matched_rule_id,omitempty"`
	Reasons       []string `json:"reasons"`
}

// Engine compiles and evaluates rule conditions. Compiled CEL programs are
// cached per expression. Safe for concurrent use.
type Engine struct {
	env    *cel.Env
	mu     sync.RWMutex
	cache  map[string]cel.Program
	logger *slog.Logger
}

// NewEngine builds the CEL environment exposing the request context as five
// dynamic variables.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.DynType),
		cel.Variable("device", cel.DynType),
		cel.Variable("risk", cel.DynType),
		cel.Variable("resource", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Engine{
		env:    env,
		cache:  make(map[string]cel.Program),
		logger: logger,
	}, nil
}

// Evaluate runs p's rules in order against ec. Rules are evaluated in list
// order; the first matching deny terminates with allowed=false; otherwise the
// first matching allow wins; otherwise the default is deny.
//
// A condition that fails to compile or evaluate is treated as matched-deny for
// deny rules and unmatched for allow rules, so a broken expression can never
// widen access. The error detail lands in Reasons.
func (e *Engine) Evaluate(ctx context.Context, p types.Policy, ec EvalContext) (Result, error) {
	if len(p.Rules) == 0 {
		return Result{}, zterr.Validationf("policy %q has no rules", p.Name)
	}

	input := ec.activation()

	var firstAllow *types.Rule
	var reasons []string

	for i := range p.Rules {
		rule := &p.Rules[i]
		matched, err := e.matches(ctx, rule.Condition, input)
		if err != nil {
			e.logger.Warn("rule condition error, failing closed",
				"policy", p.Name, "rule_id", rule.ID, "error", err)
			if rule.Action == types.ActionDeny {
				return Result{
					Allowed:       false,
					MatchedRuleID: rule.ID,
					Reasons:       append(reasons, fmt.Sprintf("rule %s: condition error, denied: %v", rule.ID, err)),
				}, nil
			}
			reasons = append(reasons, fmt.Sprintf("rule %s: condition error, skipped: %v", rule.ID, err))
			continue
		}
		if !matched {
			continue
		}
		if rule.Action == types.ActionDeny {
			return Result{
				Allowed:       false,
				MatchedRuleID: rule.ID,
				Reasons:       append(reasons, fmt.Sprintf("denied by policy %q rule %s", p.Name, rule.ID)),
			}, nil
		}
		if firstAllow == nil {
			firstAllow = rule
		}
	}

	if firstAllow != nil {
		return Result{
			Allowed:       true,
			MatchedRuleID: firstAllow.ID,
			Reasons:       append(reasons, fmt.Sprintf("allowed by policy %q rule %s", p.Name, firstAllow.ID)),
		}, nil
	}

	return Result{
		Allowed: false,
		Reasons: append(reasons, fmt.Sprintf("no rule matched in policy %q, default deny", p.Name)),
	}, nil
}

// matches evaluates a single condition: a registered builtin predicate when
// the name is known, a CEL expression otherwise.
func (e *Engine) matches(ctx context.Context, condition string, input map[string]any) (bool, error) {
	if fn, ok := builtins[condition]; ok {
		return fn(input), nil
	}
	return e.evalCEL(ctx, condition, input)
}

func (e *Engine) evalCEL(_ context.Context, expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile %q: %w", expr, issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program %q: %w", expr, err)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: non-boolean result %T", expr, out.Value())
	}
	return b, nil
}

// activation flattens the context into the CEL variable maps. The same maps
// feed the builtin predicates.
func (ec EvalContext) activation() map[string]any {
	attrs := make(map[string]any, len(ec.Identity.Attributes))
	for k, v := range ec.Identity.Attributes {
		attrs[k] = v
	}
	posture := make(map[string]any, len(ec.Device.PostureSignals))
	for k, v := range ec.Device.PostureSignals {
		posture[k] = v
	}
	perms := make([]any, len(ec.Perms))
	for i, p := range ec.Perms {
		perms[i] = p
	}
	return map[string]any{
		"identity": map[string]any{
			"id":          ec.Identity.ID,
			"attributes":  attrs,
			"trust_score": ec.Identity.TrustScore,
			"freshness":   string(ec.Identity.Freshness),
		},
		"device": map[string]any{
			"id":          ec.Device.ID,
			"owner_id":    ec.Device.OwnerIdentityID,
			"trust_level": string(ec.Device.TrustLevel),
			"posture":     posture,
		},
		"risk": map[string]any{
			"level": string(ec.Risk.Level),
			"score": int64(ec.Risk.Score),
		},
		"resource": map[string]any{
			"id":          ec.Resource.ID,
			"sensitivity": string(ec.Resource.Sensitivity),
		},
		"context": map[string]any{
			"geolocation":     ec.Request.Geolocation,
			"network_segment": ec.Request.NetworkSegment,
			"geo_anomaly":     ec.Request.GeoAnomaly,
			"network_anomaly": ec.Request.NetworkAnomaly,
			"action":          ec.Action,
			"permissions":     perms,
		},
	}
}
