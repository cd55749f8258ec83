// Package policy evaluates the chat access gate with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Reasons reported by DefaultPolicy.
const (
	ReasonPaidSession     = "paid_session"
	ReasonCredits         = "credits"
	ReasonPaymentRequired = "payment_required"
)

// Input is the evidence the gate decides on.
type Input struct {
	ClientID    string
	CounselorID string
	PaidSession bool
	Credits     int64
	MinCredits  int64
}

func (in Input) toMap() map[string]interface{} {
	return map[string]interface{}{
		"client_id":    in.ClientID,
		"counselor_id": in.CounselorID,
		"paid_session": in.PaidSession,
		"credits":      in.Credits,
		"min_credits":  in.MinCredits,
	}
}

// Decision is the outcome of the gate.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the given rego module. The module must define
// data.chat_access.decision as an object with allow and reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat_access.decision"),
		rego.Module("chat_access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewDefaultEngine prepares DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate runs the policy. A policy without a decision denies.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "no_decision"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// DefaultPolicy opens chat for a paid or completed session with the counselor,
// or for a client holding at least min_credits credits.
const DefaultPolicy = `
package chat_access

default decision := {"allow": false, "reason": "payment_required"}

decision := {"allow": true, "reason": "paid_session"} if {
	input.paid_session
}

decision := {"allow": true, "reason": "credits"} if {
	not input.paid_session
	input.min_credits > 0
	input.credits >= input.min_credits
}
`
