// Package engine evaluates the delegated-action policy with OPA Rego before the
// service acts on a provider with a user's stored credential.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.ticketbridge.delegation"

// Actions evaluated by the policy.
const (
	ActionCreateIssue     = "create_issue"
	ActionTransitionIssue = "transition_issue"
)

// DefaultPolicy allows a delegated action when the credential recorded no scopes
// or holds a write scope for the provider.
const DefaultPolicy = `package ticketbridge.delegation

write_scopes := {
	"github": {"repo", "public_repo"},
	"jira": {"write:jira-work"},
}

default allow := false

allow if {
	count(input.scopes) == 0
	write_scopes[input.provider]
}

allow if {
	some s in input.scopes
	write_scopes[input.provider][s]
}

default reason := ""

reason := "credential lacks a write scope for the provider" if not allow
`

// Input is what the policy sees about one delegated action.
type Input struct {
	UserID   string
	Provider string
	Action   string
	Scopes   []string
}

// Decision is the policy outcome. Reason is set when Allowed is false.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator decides whether a delegated action may proceed.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// OPAEvaluator evaluates a compiled Rego module exposing data.ticketbridge.delegation.allow.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles module, or DefaultPolicy when module is empty.
func NewOPAEvaluator(ctx context.Context, module string) (*OPAEvaluator, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"delegation.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// LoadPolicyFile reads a Rego module from path. An empty path returns "".
func LoadPolicyFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy file: %w", err)
	}
	return string(b), nil
}

// Evaluate runs the policy for in. Evaluation failures are returned; callers treat them as a denial.
func (e *OPAEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	scopes := make([]interface{}, 0, len(in.Scopes))
	for _, s := range in.Scopes {
		scopes = append(scopes, s)
	}
	input := map[string]interface{}{
		"user_id":  in.UserID,
		"provider": in.Provider,
		"action":   in.Action,
		"scopes":   scopes,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy result has type %T", rs[0].Expressions[0].Value)
	}
	d := Decision{}
	d.Allowed, _ = doc["allow"].(bool)
	d.Reason, _ = doc["reason"].(string)
	if !d.Allowed && d.Reason == "" {
		d.Reason = "denied by policy"
	}
	return d, nil
}

// HealthCheck evaluates a minimal input against the loaded policy. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.Evaluate(ctx, Input{Provider: "jira", Action: ActionCreateIssue})
	return err
}

// AllowAll permits every action.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Allowed: true}, nil
}
