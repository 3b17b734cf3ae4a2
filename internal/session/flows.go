// internal/session/flows.go
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bodzio28/lobbycore/internal/directory"
	"github.com/bodzio28/lobbycore/internal/roster"
)

// CreateSession creates a lobby, publishes the custom id and the local
// member's identity attributes, and reconciles the roster once the
// writes are visible. The owner always defaults to the Blue team.
//
// Preconditions are checked synchronously: an unauthenticated identity,
// an active session, or a create already in flight is rejected without a
// directory call. Failures surface through SessionCreationFailed; there
// is no automatic retry.
func (c *Controller) CreateSession(ctx context.Context, customID string, capacity int, isPublic bool) error {
	c.mu.Lock()
	switch {
	case c.localID == "":
		c.mu.Unlock()
		c.emitCreationFailed("user not logged in")
		return ErrNotAuthenticated
	case c.lobbyID != "":
		c.mu.Unlock()
		c.emitCreationFailed("already in a lobby")
		return ErrAlreadyInSession
	case c.state == StateCreating:
		c.mu.Unlock()
		c.emitCreationFailed("lobby creation already in progress")
		return ErrCreateInFlight
	case c.state != StateIdle:
		c.mu.Unlock()
		c.emitCreationFailed("another lobby operation is in progress")
		return ErrBusy
	}
	c.state = StateCreating
	nickname := c.pendingNickname
	c.mu.Unlock()

	permission := directory.PermissionPublicAdvertised
	if !isPublic {
		permission = directory.PermissionInviteOnly
	}
	c.log.WithFields(logrus.Fields{
		"custom_id": customID,
		"capacity":  capacity,
		"public":    isPublic,
	}).Info("creating lobby")

	lobbyID, err := c.dir.CreateSession(ctx, c.localID, capacity, permission, c.cfg.Bucket)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.emitCreationFailed(err.Error())
		return fmt.Errorf("create lobby: %w", err)
	}

	c.mu.Lock()
	c.lobbyID = lobbyID
	c.isOwner = true
	c.customID = customID
	c.state = StateActive
	c.mu.Unlock()

	// Copy the handle directly instead of searching; the search index
	// lags creation and would not find the lobby yet.
	c.forceRefreshHandle(lobbyID)

	c.emitSessionInfoUpdated(lobbyID, 1, capacity, true)
	c.emitSessionCreated(lobbyID)

	// Initial roster: just us, team not yet propagated.
	placeholder := []roster.Member{{
		UserID:        c.localID,
		DisplayName:   displayNameFor(nickname, c.localID),
		IsOwner:       true,
		IsLocalPlayer: true,
	}}
	c.mu.Lock()
	c.members = placeholder
	c.mu.Unlock()
	c.emitRosterUpdated(placeholder)

	if err := c.dir.UpdateSessionAttributes(ctx, lobbyID, c.localID, map[string]string{attrCustomID: customID}, directory.VisibilityPublic); err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("failed to publish custom lobby id")
	} else {
		c.emitCustomIDUpdated(customID)
	}

	memberAttrs := map[string]string{roster.AttrTeam: roster.TeamBlue}
	if nickname != "" {
		memberAttrs[roster.AttrNickname] = nickname
	}
	if err := c.dir.UpdateMemberAttributes(ctx, lobbyID, c.localID, memberAttrs, directory.VisibilityPublic); err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("failed to publish member attributes")
	}

	if err := c.pollMemberAttr(ctx, lobbyID, c.localID, roster.AttrTeam, roster.TeamBlue); err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("member attributes not yet visible, roster may lag")
	}
	c.refreshRoster(lobbyID, "create")

	return nil
}

// SearchSessions lists publicly advertised lobbies in the configured
// bucket, caches their handles, and emits the summaries as a lobby-list
// event.
func (c *Controller) SearchSessions(ctx context.Context) ([]Summary, error) {
	if c.localID == "" {
		return nil, ErrNotAuthenticated
	}
	filter := directory.Filter{AttributeKey: attrBucket, AttributeValue: c.cfg.Bucket}
	handles, err := c.dir.SearchSessions(ctx, c.localID, filter, c.cfg.SearchMaxResults)
	if err != nil {
		return nil, fmt.Errorf("search lobbies: %w", err)
	}

	list := make([]Summary, 0, len(handles))
	for _, h := range handles {
		info, err := h.Info()
		if err != nil {
			c.log.WithField("error", err).Warn("skipping unreadable search result")
			h.Release()
			continue
		}
		list = append(list, Summary{
			LobbyID:        info.LobbyID,
			CurrentPlayers: h.MemberCount(),
			MaxPlayers:     info.MaxMembers,
			OwnerID:        info.OwnerID,
		})
		c.cache.ReplaceIfBetter(info.LobbyID, h)
	}

	c.log.WithField("count", len(list)).Info("lobby search complete")
	c.emitLobbyListUpdated(list)
	return list, nil
}

// SearchByCustomID finds the lobby advertising the given join code and
// caches its handle so a join can follow. The first match wins: custom
// ids are expected to be globally unique but nothing enforces that, and
// duplicates are not disambiguated.
func (c *Controller) SearchByCustomID(ctx context.Context, customID string) (string, error) {
	if c.localID == "" {
		return "", ErrNotAuthenticated
	}
	filter := directory.Filter{AttributeKey: attrCustomID, AttributeValue: customID}
	handles, err := c.dir.SearchSessions(ctx, c.localID, filter, c.cfg.SearchMaxResults)
	if err != nil {
		return "", fmt.Errorf("search by custom id %q: %w", customID, err)
	}
	if len(handles) == 0 {
		return "", fmt.Errorf("lobby %q: %w", customID, directory.ErrNotFound)
	}

	first := handles[0]
	for _, extra := range handles[1:] {
		extra.Release()
	}
	info, err := first.Info()
	if err != nil {
		first.Release()
		return "", fmt.Errorf("search by custom id %q: %w", customID, err)
	}
	c.cache.ReplaceIfBetter(info.LobbyID, first)

	c.log.WithFields(logrus.Fields{
		"custom_id": customID,
		"lobby_id":  info.LobbyID,
	}).Info("found lobby by custom id")
	return info.LobbyID, nil
}

// JoinByCustomID searches for the join code and joins the first match.
func (c *Controller) JoinByCustomID(ctx context.Context, customID string) error {
	lobbyID, err := c.SearchByCustomID(ctx, customID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			c.emitJoinFailed(fmt.Sprintf("lobby %q does not exist", customID))
		} else {
			c.emitJoinFailed(err.Error())
		}
		return err
	}
	return c.JoinSession(ctx, lobbyID)
}

// JoinSession joins a lobby whose handle is already cached (a search or
// direct copy must run first), then sequences the post-join
// reconciliation: fresh handle, session info, roster, nickname publish,
// team auto-assignment, and a final roster refresh once the team write
// is visible. SessionJoined fires only after the whole chain completes.
//
// Cancellation is explicit: if ctx is done when a stage finishes, the
// join is discarded with a best-effort leave rather than silently
// re-activating the session.
func (c *Controller) JoinSession(ctx context.Context, lobbyID string) error {
	c.mu.Lock()
	switch {
	case c.localID == "":
		c.mu.Unlock()
		c.emitJoinFailed("user not logged in")
		return ErrNotAuthenticated
	case c.lobbyID != "":
		c.mu.Unlock()
		c.emitJoinFailed("already in a lobby")
		return ErrAlreadyInSession
	case c.state == StateJoining:
		c.mu.Unlock()
		c.emitJoinFailed("join already in progress")
		return ErrJoinInFlight
	case c.state != StateIdle:
		c.mu.Unlock()
		c.emitJoinFailed("another lobby operation is in progress")
		return ErrBusy
	}
	h, unpin, ok := c.cache.Acquire(lobbyID)
	if !ok {
		c.mu.Unlock()
		c.emitJoinFailed("lobby details not found, search first")
		return fmt.Errorf("join %s: %w", lobbyID, ErrDetailsNotFound)
	}
	c.state = StateJoining
	nickname := c.pendingNickname
	c.mu.Unlock()

	c.log.WithField("lobby_id", lobbyID).Info("joining lobby")

	joined, err := c.dir.JoinSession(ctx, h, c.localID)
	unpin()
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.emitJoinFailed(joinFailureReason(err))
		return fmt.Errorf("join %s: %w", lobbyID, err)
	}
	if ctx.Err() != nil {
		return c.abortJoin(joined, ctx.Err())
	}

	c.mu.Lock()
	c.lobbyID = joined
	c.isOwner = false
	c.state = StateActive
	c.mu.Unlock()

	// The cached search snapshot may be incomplete; refresh directly.
	c.forceRefreshHandle(joined)
	c.refreshLobbyInfo(joined)
	c.refreshRoster(joined, "join")
	if ctx.Err() != nil {
		return c.abortJoin(joined, ctx.Err())
	}

	if nickname != "" {
		if err := c.dir.UpdateMemberAttributes(ctx, joined, c.localID, map[string]string{roster.AttrNickname: nickname}, directory.VisibilityPublic); err != nil {
			c.log.WithFields(logrus.Fields{"lobby_id": joined, "error": err}).Warn("failed to publish nickname")
		}
	}

	team := roster.AutoAssignTeam(c.Members())
	c.log.WithFields(logrus.Fields{"lobby_id": joined, "team": team}).Info("auto-assigning team")
	if err := c.dir.UpdateMemberAttributes(ctx, joined, c.localID, map[string]string{roster.AttrTeam: team}, directory.VisibilityPublic); err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": joined, "error": err}).Warn("failed to publish team")
	}

	if err := c.pollMemberAttr(ctx, joined, c.localID, roster.AttrTeam, team); err != nil {
		if ctx.Err() != nil {
			return c.abortJoin(joined, ctx.Err())
		}
		c.log.WithFields(logrus.Fields{"lobby_id": joined, "error": err}).Warn("team assignment not yet visible, roster may lag")
	}
	c.refreshRoster(joined, "join_team")
	if ctx.Err() != nil {
		return c.abortJoin(joined, ctx.Err())
	}

	c.emitSessionJoined(joined)

	// Best-effort background reconciliation: re-search by lobby id once
	// the backend has had time to index, and adopt the verified handle
	// only if it validates as more complete than what we hold.
	c.wg.Add(1)
	go c.reconcileAfterJoin(joined)

	return nil
}

// abortJoin discards a join whose caller gave up: best-effort leave,
// state reset, and a join-failed event instead of a silent late
// activation.
func (c *Controller) abortJoin(lobbyID string, cause error) error {
	c.log.WithFields(logrus.Fields{
		"lobby_id": lobbyID,
		"cause":    cause,
	}).Warn("join canceled, discarding result")

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.dir.LeaveSession(leaveCtx, lobbyID, c.localID); err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("best-effort leave after canceled join failed")
	}

	c.mu.Lock()
	c.clearSessionLocked()
	c.mu.Unlock()
	c.cache.Invalidate(lobbyID)

	c.emitJoinFailed("join canceled")
	return fmt.Errorf("join %s: %w", lobbyID, cause)
}

// reconcileAfterJoin re-searches the directory for the joined lobby and
// replaces the cached handle with the backend-verified one when it
// validates as at least as complete.
func (c *Controller) reconcileAfterJoin(lobbyID string) {
	defer c.wg.Done()

	select {
	case <-c.done:
		return
	case <-time.After(c.cfg.ReconcileDelay):
	}

	c.mu.Lock()
	current := c.lobbyID
	c.mu.Unlock()
	if current != lobbyID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handles, err := c.dir.SearchSessions(ctx, c.localID, directory.Filter{LobbyID: lobbyID}, 1)
	if err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("post-join lobby search failed")
		return
	}
	if len(handles) == 0 {
		c.log.WithField("lobby_id", lobbyID).Warn("current lobby not found in search results")
		return
	}

	candidate := handles[0]
	for _, extra := range handles[1:] {
		extra.Release()
	}
	if c.cache.ReplaceIfBetter(lobbyID, candidate) {
		c.log.WithField("lobby_id", lobbyID).Debug("lobby handle refreshed from backend")
		c.refreshLobbyInfo(lobbyID)
		c.refreshRoster(lobbyID, "reconcile")
	}
}

// LeaveSession leaves the active lobby and resets all session-scoped
// state to defaults, including the single-flight guards, so a subsequent
// create or join starts clean.
func (c *Controller) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	if c.lobbyID == "" {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateLeaving
	id := c.lobbyID
	c.mu.Unlock()

	c.log.WithField("lobby_id", id).Info("leaving lobby")

	if err := c.dir.LeaveSession(ctx, id, c.localID); err != nil {
		c.mu.Lock()
		c.state = StateActive
		c.mu.Unlock()
		return fmt.Errorf("leave %s: %w", id, err)
	}

	c.mu.Lock()
	defaultMode := c.cfg.DefaultGameMode
	c.clearSessionLocked()
	c.mu.Unlock()
	c.cache.Invalidate(id)

	c.emitCustomIDUpdated("")
	c.emitGameModeUpdated(defaultMode)
	c.emitSessionLeft()
	return nil
}

// joinFailureReason translates directory errors into the reasons shown
// to the user; unknown errors are surfaced verbatim.
func joinFailureReason(err error) string {
	switch {
	case errors.Is(err, directory.ErrInvalidParameters):
		return "invalid lobby parameters"
	case errors.Is(err, directory.ErrNotFound):
		return "lobby was not found"
	case errors.Is(err, directory.ErrNoConnection):
		return "no connection to the server"
	case errors.Is(err, directory.ErrSessionFull):
		return "lobby is full"
	default:
		return err.Error()
	}
}

func displayNameFor(nickname, userID string) string {
	if nickname != "" {
		return nickname
	}
	return roster.FallbackDisplayName(userID)
}
