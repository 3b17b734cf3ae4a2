// internal/session/controller.go
//
// Package session owns the client-side state of one identity's lobby
// membership and reconciles it against the remote directory. The
// directory is eventually consistent and pushes notifications with no
// ordering guarantee, so the controller never diffs incrementally: every
// refresh re-derives roster and session info from the freshest cached
// handle. Dependent reads after a write go through a bounded
// poll-until-visible loop instead of fixed settle delays.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/bodzio28/lobbycore/internal/config"
	"github.com/bodzio28/lobbycore/internal/directory"
	"github.com/bodzio28/lobbycore/internal/handlecache"
	"github.com/bodzio28/lobbycore/internal/roster"
)

// Session-scoped attribute keys.
const (
	attrCustomID = "CustomLobbyId"
	attrGameMode = "GameMode"
	attrBucket   = "bucket"
)

// Precondition errors. These are rejected synchronously, before any
// directory call is made; a rejected operation is never queued.
var (
	ErrNotAuthenticated = errors.New("session: user not logged in")
	ErrAlreadyInSession = errors.New("session: already in a lobby")
	ErrCreateInFlight   = errors.New("session: lobby creation already in progress")
	ErrJoinInFlight     = errors.New("session: join already in progress")
	ErrNoSession        = errors.New("session: not in any lobby")
	ErrDetailsNotFound  = errors.New("session: lobby details not found")
	ErrBusy             = errors.New("session: another lobby operation is in progress")
	ErrShutdown         = errors.New("session: controller shut down")
)

// State is the controller's lifecycle state. At most one of Creating,
// Joining or Leaving is ever held; concurrent attempts are rejected.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// Controller reconciles one identity's lobby session against the
// directory. Construct with New, assign Events, then drive it from UI
// code; call Shutdown when done to stop the notification loop and
// release all cached handles.
type Controller struct {
	dir   directory.Client
	cache *handlecache.Cache
	log   *logrus.Logger
	cfg   config.Config

	// Events must be assigned before the first operation.
	Events Events

	mu              sync.Mutex // Protects all session state below.
	localID         string
	state           State
	lobbyID         string
	isOwner         bool
	customID        string
	gameMode        string
	pendingNickname string
	members         []roster.Member

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a controller for an authenticated identity and starts its
// notification loop. localID may be empty if login has not completed;
// operations then fail their authentication precondition.
func New(dir directory.Client, localID string, cfg config.Config, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Controller{
		dir:      dir,
		cache:    handlecache.New(log),
		log:      log,
		cfg:      cfg,
		localID:  localID,
		gameMode: cfg.DefaultGameMode,
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Shutdown stops the notification loop, waits for background work and
// releases every cached handle.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.cache.Clear()
}

// LocalUserID returns the identity this controller acts as.
func (c *Controller) LocalUserID() string {
	return c.localID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentLobbyID returns the active session's lobby id, or "".
func (c *Controller) CurrentLobbyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyID
}

// IsOwner reports whether the local identity currently owns the session.
// Recomputed from the roster on every refresh; ownership can transfer.
func (c *Controller) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOwner
}

// CustomID returns the session's human-shareable join code, or "".
func (c *Controller) CustomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customID
}

// GameMode returns the session's game mode.
func (c *Controller) GameMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameMode
}

// Members returns a copy of the last reconciled roster.
func (c *Controller) Members() []roster.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]roster.Member, len(c.members))
	copy(out, c.members)
	return out
}

// SetPendingNickname sanitizes and stores the nickname published on the
// next join or create: trimmed, padded to 2 characters, capped at 20,
// restricted to letters, digits, '_' and '-'. An empty or fully invalid
// nickname clears the pending value and the fallback display name is
// used instead. Returns the sanitized value.
func (c *Controller) SetPendingNickname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		c.setPending("")
		c.log.Warn("nickname is empty, will use fallback")
		return ""
	}

	runes := []rune(trimmed)
	for len(runes) < 2 {
		runes = append(runes, '_')
	}
	if len(runes) > 20 {
		runes = runes[:20]
	}

	var b strings.Builder
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	sanitized := b.String()
	if sanitized == "" {
		c.setPending("")
		c.log.Warn("nickname contains only invalid characters, will use fallback")
		return ""
	}

	c.setPending(sanitized)
	c.log.WithField("nickname", sanitized).Debug("pending nickname set")
	return sanitized
}

// PendingNickname returns the nickname queued for the next join/create.
func (c *Controller) PendingNickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNickname
}

func (c *Controller) setPending(nickname string) {
	c.mu.Lock()
	c.pendingNickname = nickname
	c.mu.Unlock()
}

// SetMyTeam publishes an explicit team choice for the local member.
func (c *Controller) SetMyTeam(ctx context.Context, team string) error {
	if team != roster.TeamBlue && team != roster.TeamRed {
		return fmt.Errorf("session: invalid team name %q", team)
	}
	c.mu.Lock()
	id := c.lobbyID
	c.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	return c.dir.UpdateMemberAttributes(ctx, id, c.localID, map[string]string{roster.AttrTeam: team}, directory.VisibilityPublic)
}

// SetGameMode publishes a new game mode as a public session attribute.
func (c *Controller) SetGameMode(ctx context.Context, mode string) error {
	c.mu.Lock()
	id := c.lobbyID
	c.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	if err := c.dir.UpdateSessionAttributes(ctx, id, c.localID, map[string]string{attrGameMode: mode}, directory.VisibilityPublic); err != nil {
		return fmt.Errorf("set game mode: %w", err)
	}
	c.mu.Lock()
	c.gameMode = mode
	c.mu.Unlock()
	c.emitGameModeUpdated(mode)
	return nil
}

// SetCustomID republishes the session's join code.
func (c *Controller) SetCustomID(ctx context.Context, customID string) error {
	c.mu.Lock()
	id := c.lobbyID
	c.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	if err := c.dir.UpdateSessionAttributes(ctx, id, c.localID, map[string]string{attrCustomID: customID}, directory.VisibilityPublic); err != nil {
		return fmt.Errorf("set custom id: %w", err)
	}
	c.mu.Lock()
	c.customID = customID
	c.mu.Unlock()
	c.emitCustomIDUpdated(customID)
	return nil
}

// LobbyAttributes returns the active session's public attributes from
// the cached handle.
func (c *Controller) LobbyAttributes() (map[string]string, error) {
	c.mu.Lock()
	id := c.lobbyID
	c.mu.Unlock()
	if id == "" {
		return nil, ErrNoSession
	}
	h, unpin, ok := c.cache.Acquire(id)
	if !ok {
		return nil, fmt.Errorf("attributes for %s: %w", id, ErrDetailsNotFound)
	}
	defer unpin()
	return h.Attributes(), nil
}

// clearSessionLocked resets every session-scoped field to its default.
// Caller holds c.mu.
func (c *Controller) clearSessionLocked() {
	c.lobbyID = ""
	c.isOwner = false
	c.customID = ""
	c.gameMode = c.cfg.DefaultGameMode
	c.members = nil
	c.state = StateIdle
}

// run is the notification loop: the single consumer of the directory's
// push channel, giving notification processing a well-defined order.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-c.dir.Notifications():
			if !ok {
				return
			}
			c.handleNotification(n)
		}
	}
}

func (c *Controller) handleNotification(n directory.Notification) {
	c.mu.Lock()
	current := c.lobbyID
	active := c.state == StateActive
	c.mu.Unlock()
	// A notification racing a leave must not resurrect the session.
	if !active || current == "" || n.LobbyID != current {
		return
	}

	switch n.Kind {
	case directory.SessionUpdated:
		c.log.WithField("lobby_id", n.LobbyID).Debug("lobby updated")
		// Forced refresh: the cached handle predates the attribute change.
		c.forceRefreshHandle(current)
		c.refreshLobbyInfo(current)

	case directory.MemberAttributeUpdated:
		c.log.WithFields(logrus.Fields{
			"lobby_id": n.LobbyID,
			"user_id":  n.UserID,
		}).Debug("member attributes updated")
		// Forced refresh: the old handle may not carry the new attributes.
		c.forceRefreshHandle(current)
		c.refreshRoster(current, "member_update")

	case directory.MemberStatusChanged:
		c.log.WithFields(logrus.Fields{
			"lobby_id": n.LobbyID,
			"user_id":  shortID(n.UserID),
			"status":   n.Status.String(),
		}).Info("member status changed")
		c.forceRefreshHandle(current)
		c.refreshRoster(current, "member_"+n.Status.String())
	}
}

// forceRefreshHandle copies a fresh handle for the lobby, bypassing
// whatever is cached. A copy failure leaves the prior handle intact and
// the controller proceeds in a degraded state.
func (c *Controller) forceRefreshHandle(lobbyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := c.dir.CopySessionHandle(ctx, lobbyID, c.localID)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"lobby_id": lobbyID,
			"error":    err,
		}).Warn("failed to copy lobby handle, keeping cached one")
		return
	}
	// The session may have been left while the copy was in flight; caching
	// the handle then would resurrect an entry the leave already dropped.
	c.mu.Lock()
	current := c.lobbyID
	c.mu.Unlock()
	if current != lobbyID {
		h.Release()
		return
	}
	c.cache.Put(lobbyID, h)
}

// currentHandle returns the cached handle for the lobby, pinned for the
// caller, fetching one directly when the cache is empty.
func (c *Controller) currentHandle(lobbyID string) (directory.Handle, func(), bool) {
	if h, unpin, ok := c.cache.Acquire(lobbyID); ok {
		return h, unpin, true
	}
	c.forceRefreshHandle(lobbyID)
	return c.cache.Acquire(lobbyID)
}

// refreshLobbyInfo re-reads session metadata and attributes from the
// cached handle and emits info / custom id / game mode events.
func (c *Controller) refreshLobbyInfo(lobbyID string) {
	h, unpin, ok := c.currentHandle(lobbyID)
	if !ok {
		return
	}
	defer unpin()
	info, err := h.Info()
	if err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("failed to read lobby info")
		return
	}
	memberCount := h.MemberCount()

	c.mu.Lock()
	if c.lobbyID != lobbyID {
		c.mu.Unlock()
		return
	}
	owner := c.isOwner
	c.mu.Unlock()

	c.emitSessionInfoUpdated(lobbyID, memberCount, info.MaxMembers, owner)
	c.refreshSessionAttributes(lobbyID, h)
}

// refreshSessionAttributes reconciles the custom id and game mode from
// the handle's public attributes, emitting change events. A missing game
// mode falls back to the configured default.
func (c *Controller) refreshSessionAttributes(lobbyID string, h directory.Handle) {
	var newCustom, newMode string
	foundCustom, foundMode := false, false
	for key, value := range h.Attributes() {
		switch {
		case strings.EqualFold(key, attrCustomID):
			newCustom = value
			foundCustom = true
		case strings.EqualFold(key, attrGameMode):
			newMode = value
			foundMode = true
		}
	}

	emitCustom, emitMode := false, false
	c.mu.Lock()
	if c.lobbyID != lobbyID {
		c.mu.Unlock()
		return
	}
	if foundCustom && newCustom != "" && c.customID != newCustom {
		c.customID = newCustom
		emitCustom = true
	}
	if !foundMode || newMode == "" {
		newMode = c.cfg.DefaultGameMode
	}
	if c.gameMode != newMode {
		c.gameMode = newMode
		emitMode = true
	}
	c.mu.Unlock()

	if emitCustom {
		c.emitCustomIDUpdated(newCustom)
	}
	if emitMode {
		c.emitGameModeUpdated(newMode)
	}
}

// refreshRoster rebuilds the member list from the freshest cached handle
// and emits roster and info events. Ownership is recomputed as a side
// effect; a non-owner to owner transition is the only promotion signal
// the directory gives us.
func (c *Controller) refreshRoster(lobbyID, trigger string) {
	h, unpin, ok := c.currentHandle(lobbyID)
	if !ok {
		c.log.WithField("lobby_id", lobbyID).Warn("no lobby handle available, roster refresh skipped")
		return
	}
	defer unpin()
	members, err := roster.Rebuild(h, c.localID, c.log)
	if err != nil {
		c.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "error": err}).Warn("roster rebuild failed")
		return
	}
	maxMembers := 0
	if info, err := h.Info(); err == nil {
		maxMembers = info.MaxMembers
	}

	c.mu.Lock()
	if c.lobbyID != lobbyID {
		c.mu.Unlock()
		return
	}
	wasOwner := c.isOwner
	nowOwner := roster.LocalIsOwner(members)
	c.isOwner = nowOwner
	c.members = members
	c.mu.Unlock()

	if nowOwner && !wasOwner {
		c.log.WithField("lobby_id", lobbyID).Info("promoted to lobby owner")
	}
	c.log.WithFields(logrus.Fields{
		"lobby_id": lobbyID,
		"members":  len(members),
		"trigger":  trigger,
	}).Debug("roster refreshed")

	c.emitRosterUpdated(members)
	c.emitSessionInfoUpdated(lobbyID, len(members), maxMembers, nowOwner)
}

// pollHandle re-copies a fresh handle until the visible predicate holds,
// with bounded attempts and exponential backoff. The successful handle is
// installed in the cache. This replaces fixed settle delays: it succeeds
// as soon as the written state is observable and fails after a deadline
// instead of guessing a propagation time.
func (c *Controller) pollHandle(ctx context.Context, lobbyID string, visible func(directory.Handle) bool) error {
	backoff := c.cfg.PollInitial
	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		h, err := c.dir.CopySessionHandle(ctx, lobbyID, c.localID)
		if err == nil {
			if visible(h) {
				c.cache.Put(lobbyID, h)
				return nil
			}
			h.Release()
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == c.cfg.PollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrShutdown
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.PollMax {
			backoff = c.cfg.PollMax
		}
	}
	return fmt.Errorf("session: condition not observed on %s after %d attempts", lobbyID, c.cfg.PollAttempts)
}

// pollMemberAttr waits until the member's attribute is visible with the
// expected value.
func (c *Controller) pollMemberAttr(ctx context.Context, lobbyID, userID, key, want string) error {
	return c.pollHandle(ctx, lobbyID, func(h directory.Handle) bool {
		attrs, err := h.MemberAttributes(userID)
		return err == nil && attrs[key] == want
	})
}

func shortID(userID string) string {
	if len(userID) > 8 {
		return userID[len(userID)-8:]
	}
	return userID
}
