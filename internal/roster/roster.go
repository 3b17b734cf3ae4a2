// internal/roster/roster.go
//
// Package roster reconstructs a lobby's member list from a directory
// handle snapshot. The roster is never stored authoritatively: every
// refresh rebuilds it from the freshest available handle, and the total
// order by user id guarantees that every participant derives an identical
// list from independently fetched data.
package roster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bodzio28/lobbycore/internal/directory"
)

// Team names. The empty string means unassigned.
const (
	TeamBlue = "Blue"
	TeamRed  = "Red"
)

// Member attribute keys, matched case-insensitively when read back.
const (
	AttrNickname = "Nickname"
	AttrTeam     = "Team"
)

// Member is one derived roster entry.
type Member struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	Team          string `json:"team"`
	IsOwner       bool   `json:"isOwner"`
	IsLocalPlayer bool   `json:"isLocalPlayer"`
}

// FallbackDisplayName derives a display name from a user id when the
// member has not published a nickname.
func FallbackDisplayName(userID string) string {
	tail := userID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "Player_" + tail
}

// Rebuild derives the sorted, deduplicated member list from a handle
// snapshot. Unresolvable member slots are logged and skipped; they are a
// recoverable per-entry condition, not fatal to the rebuild. Ownership is
// recomputed per member against the handle's reported owner id.
func Rebuild(h directory.Handle, localID string, log *logrus.Logger) ([]Member, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	info, err := h.Info()
	if err != nil {
		return nil, fmt.Errorf("roster: copy session info: %w", err)
	}

	count := h.MemberCount()
	members := make([]Member, 0, count)
	seen := make(map[string]bool, count)

	for i := 0; i < count; i++ {
		userID, err := h.MemberID(i)
		if err != nil || userID == "" {
			log.WithFields(logrus.Fields{
				"lobby_id": info.LobbyID,
				"index":    i,
				"error":    err,
			}).Warn("roster: invalid member user id, skipping slot")
			continue
		}
		if seen[userID] {
			continue
		}
		seen[userID] = true

		displayName := ""
		team := ""
		attrs, err := h.MemberAttributes(userID)
		if err != nil {
			log.WithFields(logrus.Fields{
				"lobby_id": info.LobbyID,
				"user_id":  userID,
				"error":    err,
			}).Warn("roster: failed to read member attributes")
		}
		for key, value := range attrs {
			switch {
			case strings.EqualFold(key, AttrNickname):
				displayName = value
			case strings.EqualFold(key, AttrTeam):
				team = value
			}
		}
		if displayName == "" {
			displayName = FallbackDisplayName(userID)
		}

		members = append(members, Member{
			UserID:        userID,
			DisplayName:   displayName,
			Team:          team,
			IsOwner:       userID == info.OwnerID,
			IsLocalPlayer: userID == localID,
		})
	}

	// Ordinal sort by user id so every participant reconstructs the same
	// order from independently fetched snapshots.
	sort.Slice(members, func(a, b int) bool {
		return members[a].UserID < members[b].UserID
	})

	return members, nil
}

// LocalIsOwner reports whether the local player appears in the roster as
// the session owner.
func LocalIsOwner(members []Member) bool {
	for _, m := range members {
		if m.IsLocalPlayer {
			return m.IsOwner
		}
	}
	return false
}

// AutoAssignTeam picks the team the local player should join: the one
// with strictly fewer non-local members, Blue on a tie. Members with no
// team assignment count for neither side.
func AutoAssignTeam(members []Member) string {
	blue, red := 0, 0
	for _, m := range members {
		if m.IsLocalPlayer {
			continue
		}
		switch m.Team {
		case TeamBlue:
			blue++
		case TeamRed:
			red++
		}
	}
	if blue <= red {
		return TeamBlue
	}
	return TeamRed
}
