package auth

import (
	"context"
)

// Roles recognized by the authorization engine.
const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleNurse        = "nurse"
	RoleLabTech      = "lab_tech"
	RoleReceptionist = "receptionist"
	RolePatient      = "patient"
)

// rolePriority picks the effective role when a token carries several.
var rolePriority = []string{RoleAdmin, RoleDoctor, RoleNurse, RoleLabTech, RoleReceptionist, RolePatient}

// Actor is the authenticated caller: an identity and its single effective role.
type Actor struct {
	ID   string
	Role string
}

// IsAdmin reports whether the actor holds the admin role.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// IsClinical reports whether the actor holds a role that may access patient
// data through ownership or consent.
func (a *Actor) IsClinical() bool {
	if a == nil {
		return false
	}
	return IsClinicalRole(a.Role)
}

// IsClinicalRole reports whether role is doctor, nurse or lab_tech.
func IsClinicalRole(role string) bool {
	switch role {
	case RoleDoctor, RoleNurse, RoleLabTech:
		return true
	}
	return false
}

// EffectiveRole returns the highest-priority known role in roles, or the
// first role if none is known.
func EffectiveRole(roles []string) string {
	for _, want := range rolePriority {
		for _, r := range roles {
			if r == want {
				return want
			}
		}
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return ""
}

// NewActor builds an actor from a subject and its granted roles. It returns
// nil when subject is empty.
func NewActor(subject string, roles []string) *Actor {
	if subject == "" {
		return nil
	}
	return &Actor{ID: subject, Role: EffectiveRole(roles)}
}

// WithActor stores the actor and its identity values in ctx.
func WithActor(ctx context.Context, a *Actor, roles []string) context.Context {
	if a == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, ActorKey, a)
	ctx = context.WithValue(ctx, UserIDKey, a.ID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return ctx
}

// ActorFromContext returns the authenticated actor or nil.
func ActorFromContext(ctx context.Context) *Actor {
	a, _ := ctx.Value(ActorKey).(*Actor)
	return a
}
