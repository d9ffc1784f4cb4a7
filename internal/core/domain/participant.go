package domain

type UserID string

type SessionID string

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// Participant is a projection of transport presence state for one user in a
// cook mode session. It is rebuilt from snapshots and mutated by join/leave
// batches; no component owns it beyond the roster's cache.
type Participant struct {
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	Streaming bool   `json:"streaming"`
}

func (p Participant) IsViewer() bool {
	return p.Role == RoleViewer
}
