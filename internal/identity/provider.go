// ABOUTME: Identity provider boundary yielding the session's user id and email
// ABOUTME: The engine treats both as stable for the session lifetime

package identity

// Provider yields the authenticated user's identity. Resolution itself
// (login, refresh) belongs to a separate system; the engine only reads.
type Provider interface {
	UserID() string
	Email() string
}

// Static is a fixed identity, used by tests and local tooling.
type Static struct {
	ID   string
	Addr string
}

// NewStatic creates a fixed identity provider.
func NewStatic(userID, email string) *Static {
	return &Static{ID: userID, Addr: email}
}

func (s *Static) UserID() string { return s.ID }
func (s *Static) Email() string  { return s.Addr }
