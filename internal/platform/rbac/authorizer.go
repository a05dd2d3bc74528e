// Package rbac decides whether a user's role satisfies a set of required roles.
// The decision is a Rego policy evaluated in-process by OPA.
package rbac

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.trademachine.authz.allow"

// Admins pass every check; an empty role set admits any authenticated user.
const rolePolicy = `package trademachine.authz

default allow := false

allow if count(input.required_roles) == 0

allow if input.role == "admin"

allow if input.role in input.required_roles
`

// Authorizer evaluates the role policy.
type Authorizer struct {
	query rego.PreparedEvalQuery
}

// NewAuthorizer compiles the role policy.
func NewAuthorizer(ctx context.Context) (*Authorizer, error) {
	pq, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("authz.rego", rolePolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile role policy: %w", err)
	}
	return &Authorizer{query: pq}, nil
}

// Allow reports whether role satisfies requiredRoles.
func (a *Authorizer) Allow(ctx context.Context, role string, requiredRoles []string) (bool, error) {
	if requiredRoles == nil {
		requiredRoles = []string{}
	}
	input := map[string]any{
		"role":           role,
		"required_roles": requiredRoles,
	}
	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval role policy: %w", err)
	}
	return rs.Allowed(), nil
}

// HealthCheck evaluates the policy against a fixed input.
func (a *Authorizer) HealthCheck(ctx context.Context) error {
	ok, err := a.Allow(ctx, "admin", []string{"commissioner"})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role policy denied admin")
	}
	return nil
}
