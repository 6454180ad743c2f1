package identity

import "context"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Authenticator resolves a session credential (a bearer token) to a caller.
// Any failure is reported as chat.ErrUnauthenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}
