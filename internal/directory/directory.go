// internal/directory/directory.go
//
// Package directory defines the contract for the remote lobby directory:
// the hosted service that owns lobby creation, search, membership and
// attribute storage, and that pushes change notifications to members.
// The service is eventually consistent and gives no ordering guarantee
// across notification types; consumers must re-derive state from handles
// rather than diff notifications incrementally.
package directory

import "context"

// Permission controls who can discover a session through search.
type Permission int

const (
	// PermissionPublicAdvertised makes the session visible to attribute search.
	PermissionPublicAdvertised Permission = iota
	// PermissionInviteOnly hides the session from search.
	PermissionInviteOnly
)

// Visibility controls who can read an attribute once stored.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
)

// SessionInfo is the session-scoped metadata carried by a handle snapshot.
type SessionInfo struct {
	LobbyID    string
	OwnerID    string
	MaxMembers int
}

// Handle is an opaque snapshot of a session's metadata and membership as
// last fetched from the directory. Handles are non-GC resources: every
// handle obtained from the directory must be released exactly once when
// it is superseded or no longer needed.
//
// A handle obtained from a search result may be less complete than one
// obtained via CopySessionHandle; in particular its member slots may not
// resolve to user ids. Callers must validate before trusting a handle
// over a previously cached one.
type Handle interface {
	// Info returns the session-scoped metadata of the snapshot.
	Info() (SessionInfo, error)
	// MemberCount returns the number of member slots in the snapshot.
	MemberCount() int
	// MemberID resolves the user id occupying the given member slot.
	// Individual slots can fail to resolve; callers treat that as a
	// recoverable per-entry error.
	MemberID(index int) (string, error)
	// MemberAttributes returns the attribute map published by a member.
	MemberAttributes(userID string) (map[string]string, error)
	// Attributes returns the session's public attributes.
	Attributes() map[string]string
	// Release frees the snapshot. Further calls are no-ops.
	Release()
}

// Filter selects sessions during search. Exactly one of LobbyID or the
// AttributeKey/AttributeValue pair should be set; both are exact matches.
type Filter struct {
	LobbyID        string
	AttributeKey   string
	AttributeValue string
}

// MemberStatus is the membership transition carried by a status notification.
type MemberStatus int

const (
	MemberJoined MemberStatus = iota
	MemberLeft
)

func (s MemberStatus) String() string {
	if s == MemberJoined {
		return "joined"
	}
	return "left"
}

// NotificationKind discriminates the push notification types.
type NotificationKind int

const (
	// SessionUpdated fires when session-scoped attributes change.
	SessionUpdated NotificationKind = iota
	// MemberAttributeUpdated fires when a member republishes attributes.
	MemberAttributeUpdated
	// MemberStatusChanged fires when a member joins or leaves.
	MemberStatusChanged
)

// Notification is a push event about a session the local identity belongs
// to. Delivery order relative to in-flight operation completions is not
// guaranteed.
type Notification struct {
	Kind    NotificationKind
	LobbyID string
	// UserID is the affected member for member-scoped notifications.
	UserID string
	// Status is set for MemberStatusChanged.
	Status MemberStatus
}

// Client is one identity's connection to the directory. Implementations
// must be safe for concurrent use; completion of any operation implies
// nothing about when its effects become visible through handles.
type Client interface {
	// CreateSession creates a lobby owned by ownerID and returns its
	// directory-assigned id. The bucket becomes a public attribute used
	// as the search universe.
	CreateSession(ctx context.Context, ownerID string, capacity int, permission Permission, bucket string) (string, error)

	// SearchSessions returns up to maxResults handles matching the filter.
	// Every returned handle is owned by the caller and must be released
	// or handed to an owner that will release it.
	SearchSessions(ctx context.Context, localID string, filter Filter, maxResults int) ([]Handle, error)

	// CopySessionHandle snapshots a session the local identity is a
	// member of, without going through the search index.
	CopySessionHandle(ctx context.Context, lobbyID, localID string) (Handle, error)

	// JoinSession joins the session referenced by a previously fetched
	// handle and returns the joined lobby id.
	JoinSession(ctx context.Context, h Handle, localID string) (string, error)

	// LeaveSession removes the local identity from the session.
	LeaveSession(ctx context.Context, lobbyID, localID string) error

	// UpdateSessionAttributes publishes session-scoped attributes. Only
	// visible to others after an unspecified propagation delay.
	UpdateSessionAttributes(ctx context.Context, lobbyID, localID string, attrs map[string]string, vis Visibility) error

	// UpdateMemberAttributes publishes attributes for the local member.
	// The directory must already know about the member, so this is only
	// valid after a join or create has completed.
	UpdateMemberAttributes(ctx context.Context, lobbyID, localID string, attrs map[string]string, vis Visibility) error

	// Notifications is the push channel for sessions the identity is a
	// member of. The channel is closed when the client is closed.
	Notifications() <-chan Notification

	// Close tears down the connection and closes the notification channel.
	Close() error
}
