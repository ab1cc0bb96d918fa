package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashvale/voicemesh/internal/domain"
)

func sampleSession() domain.Session {
	return domain.Session{
		ID:     "sess-1",
		Active: true,
		Roster: []domain.Participant{
			{ID: "host-1", DisplayName: "Narrator", Role: domain.RoleHost},
			{ID: "player-1", DisplayName: "Alice", Role: domain.RolePlayer},
		},
	}
}

func TestMemoryLookupUnknown(t *testing.T) {
	m := NewMemory()
	_, err := m.Lookup("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryUpsertAndLookup(t *testing.T) {
	m := NewMemory()
	m.Upsert(sampleSession())

	s, err := m.Lookup("sess-1")
	require.NoError(t, err)
	assert.True(t, s.Active)
	require.Len(t, s.Roster, 2)

	host, ok := s.Host()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("host-1"), host.ID)
}

func TestMemoryLookupReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.Upsert(sampleSession())

	s, err := m.Lookup("sess-1")
	require.NoError(t, err)
	s.Roster[0].DisplayName = "mutated"
	s.Active = false

	again, err := m.Lookup("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Narrator", again.Roster[0].DisplayName)
	assert.True(t, again.Active)
}

func TestMemoryDeactivateKeepsRoster(t *testing.T) {
	m := NewMemory()
	m.Upsert(sampleSession())

	require.True(t, m.Deactivate("sess-1"))
	assert.False(t, m.Deactivate("nope"))

	s, err := m.Lookup("sess-1")
	require.NoError(t, err)
	assert.False(t, s.Active)
	assert.Len(t, s.Roster, 2)
}

func TestMemoryRemove(t *testing.T) {
	m := NewMemory()
	m.Upsert(sampleSession())

	m.Remove("sess-1")
	_, err := m.Lookup("sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
