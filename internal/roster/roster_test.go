package roster

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodzio28/lobbycore/internal/directory"
)

type stubHandle struct {
	info        directory.SessionInfo
	memberIDs   []string
	badSlots    map[int]bool
	memberAttrs map[string]map[string]string
}

func (s *stubHandle) Info() (directory.SessionInfo, error) { return s.info, nil }

func (s *stubHandle) MemberCount() int { return len(s.memberIDs) }

func (s *stubHandle) MemberID(index int) (string, error) {
	if s.badSlots[index] {
		return "", fmt.Errorf("member %d not resolvable", index)
	}
	return s.memberIDs[index], nil
}

func (s *stubHandle) MemberAttributes(userID string) (map[string]string, error) {
	attrs, ok := s.memberAttrs[userID]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", userID, directory.ErrNotFound)
	}
	return attrs, nil
}

func (s *stubHandle) Attributes() map[string]string { return map[string]string{} }

func (s *stubHandle) Release() {}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRebuildSortsByUserID(t *testing.T) {
	h := &stubHandle{
		info:      directory.SessionInfo{LobbyID: "l1", OwnerID: "charlie"},
		memberIDs: []string{"charlie", "alice", "bob"},
		memberAttrs: map[string]map[string]string{
			"charlie": {AttrNickname: "Host", AttrTeam: TeamBlue},
			"alice":   {AttrNickname: "Alice", AttrTeam: TeamRed},
			"bob":     {AttrNickname: "Bob", AttrTeam: TeamBlue},
		},
	}

	members, err := Rebuild(h, "bob", quietLogger())
	require.NoError(t, err)
	require.Len(t, members, 3)

	assert.Equal(t, []string{"alice", "bob", "charlie"}, []string{members[0].UserID, members[1].UserID, members[2].UserID})
	assert.True(t, members[2].IsOwner)
	assert.False(t, members[0].IsOwner)
	assert.True(t, members[1].IsLocalPlayer)
	assert.Equal(t, "Host", members[2].DisplayName)
	assert.Equal(t, TeamRed, members[0].Team)
}

func TestRebuildSkipsUnresolvableSlots(t *testing.T) {
	h := &stubHandle{
		info:      directory.SessionInfo{LobbyID: "l1", OwnerID: "alice"},
		memberIDs: []string{"alice", "ghost", "bob"},
		badSlots:  map[int]bool{1: true},
		memberAttrs: map[string]map[string]string{
			"alice": {},
			"bob":   {},
		},
	}

	members, err := Rebuild(h, "alice", quietLogger())
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)
}

func TestRebuildDeduplicates(t *testing.T) {
	h := &stubHandle{
		info:      directory.SessionInfo{LobbyID: "l1", OwnerID: "alice"},
		memberIDs: []string{"alice", "alice"},
		memberAttrs: map[string]map[string]string{
			"alice": {},
		},
	}

	members, err := Rebuild(h, "alice", quietLogger())
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRebuildFallbackDisplayName(t *testing.T) {
	h := &stubHandle{
		info:      directory.SessionInfo{LobbyID: "l1", OwnerID: "0123456789abcdef"},
		memberIDs: []string{"0123456789abcdef"},
		memberAttrs: map[string]map[string]string{
			"0123456789abcdef": {AttrTeam: TeamBlue},
		},
	}

	members, err := Rebuild(h, "x", quietLogger())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Player_89abcdef", members[0].DisplayName)
}

func TestRebuildAttributeKeysCaseInsensitive(t *testing.T) {
	h := &stubHandle{
		info:      directory.SessionInfo{LobbyID: "l1", OwnerID: "alice"},
		memberIDs: []string{"alice"},
		memberAttrs: map[string]map[string]string{
			"alice": {"NICKNAME": "Ace", "team": TeamRed},
		},
	}

	members, err := Rebuild(h, "alice", quietLogger())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Ace", members[0].DisplayName)
	assert.Equal(t, TeamRed, members[0].Team)
}

func TestRebuildSurvivesMissingMemberAttributes(t *testing.T) {
	h := &stubHandle{
		info:        directory.SessionInfo{LobbyID: "l1", OwnerID: "alice"},
		memberIDs:   []string{"alice"},
		memberAttrs: map[string]map[string]string{},
	}

	members, err := Rebuild(h, "alice", quietLogger())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Player_alice", members[0].DisplayName)
	assert.Empty(t, members[0].Team)
}

func TestFallbackDisplayNameShortID(t *testing.T) {
	assert.Equal(t, "Player_abc", FallbackDisplayName("abc"))
}

func TestLocalIsOwner(t *testing.T) {
	members := []Member{
		{UserID: "a", IsOwner: true},
		{UserID: "b", IsLocalPlayer: true},
	}
	assert.False(t, LocalIsOwner(members))

	members[1].IsOwner = true
	assert.True(t, LocalIsOwner(members))

	assert.False(t, LocalIsOwner(nil))
}

func TestAutoAssignTeam(t *testing.T) {
	tests := []struct {
		name    string
		members []Member
		want    string
	}{
		{
			name:    "empty roster gets blue",
			members: nil,
			want:    TeamBlue,
		},
		{
			name: "tie goes to blue",
			members: []Member{
				{UserID: "a", Team: TeamBlue},
				{UserID: "b", Team: TeamRed},
			},
			want: TeamBlue,
		},
		{
			name: "joins the smaller team",
			members: []Member{
				{UserID: "a", Team: TeamBlue},
				{UserID: "b", Team: TeamBlue},
				{UserID: "c", Team: TeamRed},
			},
			want: TeamRed,
		},
		{
			name: "local player is not counted",
			members: []Member{
				{UserID: "a", Team: TeamBlue},
				{UserID: "me", Team: TeamBlue, IsLocalPlayer: true},
				{UserID: "c", Team: TeamRed},
			},
			want: TeamBlue,
		},
		{
			name: "unassigned members count for neither side",
			members: []Member{
				{UserID: "a", Team: TeamBlue},
				{UserID: "b", Team: ""},
				{UserID: "c", Team: ""},
			},
			want: TeamRed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AutoAssignTeam(tt.members))
		})
	}
}
