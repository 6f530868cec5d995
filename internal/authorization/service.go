package authorization

import (
	"context"
	"errors"
)

const (
	RoleOperator = "role:operator"
	RoleAdmin    = "role:admin"
)

const (
	ObjectDiagnostics = "diagnostics"

	ActionView   = "view"
	ActionRepair = "repair"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidActor = errors.New("invalid_actor")
	ErrInvalidRole  = errors.New("invalid_role")
)

// Operator is an authenticated holder of an operator key.
type Operator struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (o Operator) Subject() string {
	return "operator:" + o.Name
}

type Service interface {
	// Authenticate resolves a bearer key to the operator it was issued to.
	Authenticate(ctx context.Context, key string) (Operator, error)
	Authorize(ctx context.Context, operator Operator, object, action string) error
}
