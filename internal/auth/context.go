package auth

import "context"

type contextKey string

const contextKeyPrincipal contextKey = "auth.principal"

// Principal is the authenticated caller: a user or a device credential.
type Principal struct {
	Token        string
	UserID       *int64
	Email        string
	InstrumentSN string
	Permissions  Permission
	GroupIDs     []int64
}

// IsDevice reports whether the principal authenticated with an instrument credential.
func (p *Principal) IsDevice() bool {
	return p != nil && p.InstrumentSN != ""
}

// IsAnonymous reports whether no credential was presented.
func (p *Principal) IsAnonymous() bool {
	return p == nil || (p.UserID == nil && p.InstrumentSN == "")
}

// Has reports whether the principal holds the permission.
func (p *Principal) Has(perm Permission) bool {
	if p == nil {
		return false
	}
	return p.Permissions.Has(perm)
}

// Subject names the principal in logs and audit entries.
func (p *Principal) Subject() string {
	switch {
	case p == nil:
		return "anonymous"
	case p.Email != "":
		return p.Email
	case p.InstrumentSN != "":
		return "device:" + p.InstrumentSN
	case p.UserID != nil:
		return "user"
	}
	return "anonymous"
}

// WithPrincipal stores the principal in context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext extracts the principal, nil for anonymous callers.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(contextKeyPrincipal).(*Principal)
	return p
}
