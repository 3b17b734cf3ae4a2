// internal/session/events.go
package session

import "github.com/bodzio28/lobbycore/internal/roster"

// Summary is one row of a lobby browse result.
type Summary struct {
	LobbyID        string `json:"lobbyId"`
	CurrentPlayers int    `json:"currentPlayers"`
	MaxPlayers     int    `json:"maxPlayers"`
	OwnerID        string `json:"owner"`
}

// Events is the controller's UI-facing surface. Assign the callbacks you
// care about before invoking any operation; nil callbacks are skipped.
// Callbacks fire from the goroutine driving the operation or from the
// notification loop, so they must not block and must do their own
// synchronization.
type Events struct {
	SessionCreated        func(lobbyID string)
	SessionCreationFailed func(reason string)
	SessionJoined         func(lobbyID string)
	SessionJoinFailed     func(reason string)
	SessionLeft           func()
	SessionInfoUpdated    func(lobbyID string, memberCount, maxMembers int, isOwner bool)
	RosterUpdated         func(members []roster.Member)
	CustomIDUpdated       func(customID string)
	GameModeUpdated       func(gameMode string)
	LobbyListUpdated      func(lobbies []Summary)
}

func (c *Controller) emitSessionCreated(lobbyID string) {
	if c.Events.SessionCreated != nil {
		c.Events.SessionCreated(lobbyID)
	}
}

func (c *Controller) emitCreationFailed(reason string) {
	if c.Events.SessionCreationFailed != nil {
		c.Events.SessionCreationFailed(reason)
	}
}

func (c *Controller) emitSessionJoined(lobbyID string) {
	if c.Events.SessionJoined != nil {
		c.Events.SessionJoined(lobbyID)
	}
}

func (c *Controller) emitJoinFailed(reason string) {
	if c.Events.SessionJoinFailed != nil {
		c.Events.SessionJoinFailed(reason)
	}
}

func (c *Controller) emitSessionLeft() {
	if c.Events.SessionLeft != nil {
		c.Events.SessionLeft()
	}
}

func (c *Controller) emitSessionInfoUpdated(lobbyID string, memberCount, maxMembers int, isOwner bool) {
	if c.Events.SessionInfoUpdated != nil {
		c.Events.SessionInfoUpdated(lobbyID, memberCount, maxMembers, isOwner)
	}
}

func (c *Controller) emitRosterUpdated(members []roster.Member) {
	if c.Events.RosterUpdated != nil {
		c.Events.RosterUpdated(members)
	}
}

func (c *Controller) emitCustomIDUpdated(customID string) {
	if c.Events.CustomIDUpdated != nil {
		c.Events.CustomIDUpdated(customID)
	}
}

func (c *Controller) emitGameModeUpdated(gameMode string) {
	if c.Events.GameModeUpdated != nil {
		c.Events.GameModeUpdated(gameMode)
	}
}

func (c *Controller) emitLobbyListUpdated(lobbies []Summary) {
	if c.Events.LobbyListUpdated != nil {
		c.Events.LobbyListUpdated(lobbies)
	}
}
