// internal/memdir/memdir.go
//
// Package memdir is an in-memory lobby directory implementing
// directory.Client. It reproduces the behaviors the session core has to
// survive against the real backend: attribute writes that only become
// visible after a propagation delay, a search index that lags creation,
// search-result handles with unresolvable member slots, push
// notifications with no ordering guarantee relative to completions, and
// host migration when the owner leaves. It backs the test suite and the
// demo binary.
package memdir

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bodzio28/lobbycore/internal/directory"
)

// Options tunes the simulated backend.
type Options struct {
	// PropagationDelay is how long attribute writes take to become
	// visible through handles. Zero applies them synchronously.
	PropagationDelay time.Duration
	// SearchIndexDelay is how long a new lobby stays invisible to
	// attribute search. Search by lobby id is not indexed and ignores it.
	SearchIndexDelay time.Duration
	// DegradedSearchHandles makes attribute-search result handles unable
	// to resolve member user ids, mimicking the backend's search
	// snapshots that carry counts but empty member identities.
	DegradedSearchHandles bool
}

// Directory holds the simulated lobby universe. Create one per test or
// process and Connect a Client per identity.
type Directory struct {
	mu      sync.Mutex // Protects lobbies, clients and the handle count.
	log     *logrus.Logger
	opts    Options
	lobbies map[string]*lobbyRecord
	clients map[*Client]struct{}
	live    int
}

type lobbyRecord struct {
	id         string
	ownerID    string
	maxMembers int
	permission directory.Permission
	createdAt  time.Time
	attrs      map[string]string
	members    []*memberRecord // join order
}

type memberRecord struct {
	userID string
	attrs  map[string]string
}

// New returns an empty simulated directory.
func New(opts Options, log *logrus.Logger) *Directory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{
		log:     log,
		opts:    opts,
		lobbies: make(map[string]*lobbyRecord),
		clients: make(map[*Client]struct{}),
	}
}

// Connect registers a client for the given identity. The identity is used
// to route push notifications; operations still name their identity
// explicitly per the directory contract.
func (d *Directory) Connect(userID string) *Client {
	c := &Client{
		dir:    d,
		userID: userID,
		notify: make(chan directory.Notification, 64),
	}
	d.mu.Lock()
	d.clients[c] = struct{}{}
	d.mu.Unlock()
	return c
}

// LiveHandles returns the number of handles snapshotted and not yet
// released. Tests use it to prove the cache's release discipline.
func (d *Directory) LiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Lobbies returns the number of lobbies currently hosted.
func (d *Directory) Lobbies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lobbies)
}

func (d *Directory) handleReleased() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

// after runs fn following the configured propagation delay, or
// synchronously when the delay is zero.
func (d *Directory) after(fn func()) {
	if d.opts.PropagationDelay <= 0 {
		fn()
		return
	}
	time.AfterFunc(d.opts.PropagationDelay, fn)
}

// push delivers a notification to every connected client whose identity
// is in the recipient set. Sends are non-blocking: a full channel drops
// the notification with a warning, mirroring real push channels.
func (d *Directory) push(recipients map[string]bool, n directory.Notification) {
	d.mu.Lock()
	targets := make([]*Client, 0, len(d.clients))
	for c := range d.clients {
		if recipients[c.userID] {
			targets = append(targets, c)
		}
	}
	d.mu.Unlock()

	for _, c := range targets {
		select {
		case c.notify <- n:
		default:
			d.log.WithFields(logrus.Fields{
				"user_id":  c.userID,
				"lobby_id": n.LobbyID,
				"kind":     n.Kind,
			}).Warn("memdir: notification channel full, dropping")
		}
	}
}

func (lr *lobbyRecord) member(userID string) *memberRecord {
	for _, m := range lr.members {
		if m.userID == userID {
			return m
		}
	}
	return nil
}

func (lr *lobbyRecord) memberIDs() map[string]bool {
	ids := make(map[string]bool, len(lr.members))
	for _, m := range lr.members {
		ids[m.userID] = true
	}
	return ids
}

// snapshotLocked builds a handle from the lobby's current state. Caller
// holds d.mu.
func (d *Directory) snapshotLocked(lr *lobbyRecord, degraded bool) *handle {
	h := &handle{
		d: d,
		info: directory.SessionInfo{
			LobbyID:    lr.id,
			OwnerID:    lr.ownerID,
			MaxMembers: lr.maxMembers,
		},
		attrs:       copyAttrs(lr.attrs),
		memberIDs:   make([]string, 0, len(lr.members)),
		memberAttrs: make(map[string]map[string]string, len(lr.members)),
		degraded:    degraded,
	}
	for _, m := range lr.members {
		h.memberIDs = append(h.memberIDs, m.userID)
		h.memberAttrs[m.userID] = copyAttrs(m.attrs)
	}
	d.live++
	return h
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Client is one identity's connection to the simulated directory.
type Client struct {
	dir    *Directory
	userID string
	notify chan directory.Notification
	once   sync.Once
}

var _ directory.Client = (*Client)(nil)

// CreateSession creates a lobby owned by ownerID, with the owner already
// joined, and returns its id.
func (c *Client) CreateSession(ctx context.Context, ownerID string, capacity int, permission directory.Permission, bucket string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ownerID == "" || capacity <= 0 {
		return "", directory.ErrInvalidParameters
	}

	lr := &lobbyRecord{
		id:         uuid.NewString(),
		ownerID:    ownerID,
		maxMembers: capacity,
		permission: permission,
		createdAt:  time.Now(),
		attrs:      map[string]string{"bucket": bucket},
		members:    []*memberRecord{{userID: ownerID, attrs: map[string]string{}}},
	}

	c.dir.mu.Lock()
	c.dir.lobbies[lr.id] = lr
	c.dir.mu.Unlock()

	c.dir.log.WithFields(logrus.Fields{
		"lobby_id": lr.id,
		"owner_id": ownerID,
		"capacity": capacity,
	}).Debug("memdir: lobby created")
	return lr.id, nil
}

// SearchSessions matches the filter against the hosted lobbies. Attribute
// search only sees publicly advertised lobbies past the index delay;
// search by lobby id bypasses the index.
func (c *Client) SearchSessions(ctx context.Context, localID string, filter directory.Filter, maxResults int) ([]directory.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		return nil, directory.ErrInvalidParameters
	}

	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	var out []directory.Handle
	for _, lr := range c.dir.lobbies {
		if len(out) >= maxResults {
			break
		}
		switch {
		case filter.LobbyID != "":
			if lr.id != filter.LobbyID {
				continue
			}
		case filter.AttributeKey != "":
			if lr.permission != directory.PermissionPublicAdvertised {
				continue
			}
			if time.Since(lr.createdAt) < c.dir.opts.SearchIndexDelay {
				continue
			}
			if lr.attrs[filter.AttributeKey] != filter.AttributeValue {
				continue
			}
		default:
			return nil, directory.ErrInvalidParameters
		}
		out = append(out, c.dir.snapshotLocked(lr, c.dir.opts.DegradedSearchHandles))
	}
	return out, nil
}

// CopySessionHandle snapshots a lobby the identity is a member of.
func (c *Client) CopySessionHandle(ctx context.Context, lobbyID, localID string) (directory.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	lr, ok := c.dir.lobbies[lobbyID]
	if !ok {
		return nil, fmt.Errorf("copy handle for %s: %w", lobbyID, directory.ErrNotFound)
	}
	if lr.member(localID) == nil {
		return nil, fmt.Errorf("copy handle for %s: %s is not a member: %w", lobbyID, localID, directory.ErrNotFound)
	}
	return c.dir.snapshotLocked(lr, false), nil
}

// JoinSession adds the identity to the lobby referenced by the handle.
func (c *Client) JoinSession(ctx context.Context, h directory.Handle, localID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h == nil || localID == "" {
		return "", directory.ErrInvalidParameters
	}
	info, err := h.Info()
	if err != nil {
		return "", fmt.Errorf("join: %w", err)
	}

	c.dir.mu.Lock()
	lr, ok := c.dir.lobbies[info.LobbyID]
	if !ok {
		c.dir.mu.Unlock()
		return "", fmt.Errorf("join %s: %w", info.LobbyID, directory.ErrNotFound)
	}
	if lr.member(localID) != nil {
		c.dir.mu.Unlock()
		return lr.id, nil
	}
	if len(lr.members) >= lr.maxMembers {
		c.dir.mu.Unlock()
		return "", fmt.Errorf("join %s: %w", info.LobbyID, directory.ErrSessionFull)
	}
	lr.members = append(lr.members, &memberRecord{userID: localID, attrs: map[string]string{}})
	recipients := lr.memberIDs()
	c.dir.mu.Unlock()

	c.dir.push(recipients, directory.Notification{
		Kind:    directory.MemberStatusChanged,
		LobbyID: lr.id,
		UserID:  localID,
		Status:  directory.MemberJoined,
	})
	return lr.id, nil
}

// LeaveSession removes the identity from the lobby. The lobby is torn
// down when its last member leaves; otherwise ownership migrates to the
// earliest remaining joiner when the owner leaves.
func (c *Client) LeaveSession(ctx context.Context, lobbyID, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.dir.mu.Lock()
	lr, ok := c.dir.lobbies[lobbyID]
	if !ok {
		c.dir.mu.Unlock()
		return fmt.Errorf("leave %s: %w", lobbyID, directory.ErrNotFound)
	}
	if lr.member(localID) == nil {
		c.dir.mu.Unlock()
		return fmt.Errorf("leave %s: %s is not a member: %w", lobbyID, localID, directory.ErrNotFound)
	}

	kept := lr.members[:0]
	for _, m := range lr.members {
		if m.userID != localID {
			kept = append(kept, m)
		}
	}
	lr.members = kept

	ownerChanged := false
	if len(lr.members) == 0 {
		delete(c.dir.lobbies, lobbyID)
	} else if lr.ownerID == localID {
		lr.ownerID = lr.members[0].userID
		ownerChanged = true
	}
	recipients := lr.memberIDs()
	recipients[localID] = true
	c.dir.mu.Unlock()

	c.dir.push(recipients, directory.Notification{
		Kind:    directory.MemberStatusChanged,
		LobbyID: lobbyID,
		UserID:  localID,
		Status:  directory.MemberLeft,
	})
	if ownerChanged {
		c.dir.push(recipients, directory.Notification{
			Kind:    directory.SessionUpdated,
			LobbyID: lobbyID,
		})
	}
	return nil
}

// UpdateSessionAttributes publishes session attributes. They become
// visible, and the update notification fires, only after the configured
// propagation delay.
func (c *Client) UpdateSessionAttributes(ctx context.Context, lobbyID, localID string, attrs map[string]string, vis directory.Visibility) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.dir.mu.Lock()
	lr, ok := c.dir.lobbies[lobbyID]
	if !ok || lr.member(localID) == nil {
		c.dir.mu.Unlock()
		return fmt.Errorf("update session attributes on %s: %w", lobbyID, directory.ErrNotFound)
	}
	c.dir.mu.Unlock()

	pending := copyAttrs(attrs)
	c.dir.after(func() {
		c.dir.mu.Lock()
		lr, ok := c.dir.lobbies[lobbyID]
		if !ok {
			c.dir.mu.Unlock()
			return
		}
		for k, v := range pending {
			lr.attrs[k] = v
		}
		recipients := lr.memberIDs()
		c.dir.mu.Unlock()

		c.dir.push(recipients, directory.Notification{
			Kind:    directory.SessionUpdated,
			LobbyID: lobbyID,
		})
	})
	return nil
}

// UpdateMemberAttributes publishes attributes for the local member, with
// the same propagation behavior as session attributes.
func (c *Client) UpdateMemberAttributes(ctx context.Context, lobbyID, localID string, attrs map[string]string, vis directory.Visibility) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.dir.mu.Lock()
	lr, ok := c.dir.lobbies[lobbyID]
	if !ok || lr.member(localID) == nil {
		c.dir.mu.Unlock()
		return fmt.Errorf("update member attributes on %s: %w", lobbyID, directory.ErrNotFound)
	}
	c.dir.mu.Unlock()

	pending := copyAttrs(attrs)
	c.dir.after(func() {
		c.dir.mu.Lock()
		lr, ok := c.dir.lobbies[lobbyID]
		if !ok {
			c.dir.mu.Unlock()
			return
		}
		m := lr.member(localID)
		if m == nil {
			c.dir.mu.Unlock()
			return
		}
		for k, v := range pending {
			m.attrs[k] = v
		}
		recipients := lr.memberIDs()
		c.dir.mu.Unlock()

		c.dir.push(recipients, directory.Notification{
			Kind:    directory.MemberAttributeUpdated,
			LobbyID: lobbyID,
			UserID:  localID,
		})
	})
	return nil
}

// Notifications returns the push channel for this identity.
func (c *Client) Notifications() <-chan directory.Notification {
	return c.notify
}

// Close unregisters the client and closes its notification channel.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.dir.mu.Lock()
		delete(c.dir.clients, c)
		c.dir.mu.Unlock()
		close(c.notify)
	})
	return nil
}

// handle is an immutable snapshot of a lobby at copy time.
type handle struct {
	d           *Directory
	info        directory.SessionInfo
	attrs       map[string]string
	memberIDs   []string
	memberAttrs map[string]map[string]string
	degraded    bool
	release     sync.Once
}

var _ directory.Handle = (*handle)(nil)

func (h *handle) Info() (directory.SessionInfo, error) {
	return h.info, nil
}

func (h *handle) MemberCount() int {
	return len(h.memberIDs)
}

func (h *handle) MemberID(index int) (string, error) {
	if index < 0 || index >= len(h.memberIDs) {
		return "", fmt.Errorf("memdir: member index %d out of range", index)
	}
	if h.degraded {
		return "", fmt.Errorf("memdir: member %d: user id not resolvable from search snapshot", index)
	}
	return h.memberIDs[index], nil
}

func (h *handle) MemberAttributes(userID string) (map[string]string, error) {
	attrs, ok := h.memberAttrs[userID]
	if !ok {
		return nil, fmt.Errorf("memdir: member %s: %w", userID, directory.ErrNotFound)
	}
	return copyAttrs(attrs), nil
}

func (h *handle) Attributes() map[string]string {
	return copyAttrs(h.attrs)
}

func (h *handle) Release() {
	h.release.Do(h.d.handleReleased)
}
