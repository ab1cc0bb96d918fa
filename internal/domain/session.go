package domain

// Session is the authority's view of a game session: whether it is live
// and who belongs to it. The voice subsystem only reflects this roster,
// it never originates membership.
type Session struct {
	ID     SessionID
	Active bool
	Roster []Participant
}

// Member returns the roster entry for the given user, if any.
func (s *Session) Member(id UserID) (Participant, bool) {
	for _, p := range s.Roster {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Host returns the roster entry holding the host role, if any.
func (s *Session) Host() (Participant, bool) {
	for _, p := range s.Roster {
		if p.Role == RoleHost {
			return p, true
		}
	}
	return Participant{}, false
}
