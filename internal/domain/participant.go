// Package domain contains entities without logic, just meta-data.
package domain

type (
	SessionID string
	UserID    string
)

type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// Participant is one entry of a session roster as supplied by the
// membership authority. Connection and mute state live elsewhere.
type Participant struct {
	ID          UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

func (p Participant) IsHost() bool { return p.Role == RoleHost }
