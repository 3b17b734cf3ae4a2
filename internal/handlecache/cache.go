// internal/handlecache/cache.go
package handlecache

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bodzio28/lobbycore/internal/directory"
)

// Cache maps lobby ids to their last-known-good directory handle. All
// handle acquisition funnels through Put/ReplaceIfBetter so that release
// discipline lives in one place: a lobby id maps to at most one live
// handle, and replacing a handle releases the old one.
//
// Handles are non-GC resources, so a reader must never observe a handle
// after its release. Readers therefore pin a handle with Acquire and the
// cache defers release of a superseded handle until its last pin drops,
// even when another goroutine swaps in a replacement mid-read.
type Cache struct {
	mu      sync.Mutex // Protects entries and every entry's pin state.
	log     *logrus.Logger
	entries map[string]*entry
}

// entry pairs a handle with its pin count. A superseded entry that still
// has readers is marked stale and released by the final unpin instead of
// by the writer that replaced it.
type entry struct {
	h     directory.Handle
	pins  int
	stale bool
}

// New initializes and returns an empty Cache.
func New(log *logrus.Logger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the cached handle for a lobby id, pinned against
// release. The caller must invoke the returned unpin func when done
// reading; extra invocations are no-ops. The handle stays readable for
// the duration of the pin even if a replacement lands in the meantime.
func (c *Cache) Acquire(lobbyID string) (directory.Handle, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[lobbyID]
	if !ok {
		return nil, nil, false
	}
	e.pins++
	var once sync.Once
	unpin := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.pins--
			if e.pins == 0 && e.stale {
				e.h.Release()
			}
		})
	}
	return e.h, unpin, true
}

// Put stores a handle for a lobby id, retiring any previous handle for
// that id first. The cache takes ownership of the handle.
func (c *Cache) Put(lobbyID string, h directory.Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[lobbyID]; ok {
		if old.h == h {
			return
		}
		c.retireLocked(old)
	}
	c.entries[lobbyID] = &entry{h: h}
}

// retireLocked releases a superseded entry's handle, or defers to the
// last unpin when readers still hold it. Caller holds c.mu.
func (c *Cache) retireLocked(e *entry) {
	if e.pins > 0 {
		e.stale = true
		return
	}
	e.h.Release()
}

// Invalidate drops the cached handle for a lobby id, releasing it once
// no reader holds a pin.
func (c *Cache) Invalidate(lobbyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[lobbyID]; ok {
		c.retireLocked(e)
		delete(c.entries, lobbyID)
	}
}

// ReplaceIfBetter swaps in the candidate handle only when it is validated
// as at least as complete as the cached one: the candidate must report at
// least one member, its first member slot must resolve to a user id, and
// its member count must not be lower than the cached handle's. A handle
// copied from a search result can be emptier than what we already hold,
// and a fresher-looking snapshot must never overwrite a more complete one.
//
// The cache takes ownership of the candidate either way: it is released
// immediately when rejected. Returns whether the candidate was installed.
func (c *Cache) ReplaceIfBetter(lobbyID string, candidate directory.Handle) bool {
	if candidate == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.entries[lobbyID]
	if !ok {
		c.entries[lobbyID] = &entry{h: candidate}
		return true
	}
	if old.h == candidate {
		return true
	}

	newCount := candidate.MemberCount()
	oldCount := old.h.MemberCount()

	valid := false
	if newCount > 0 {
		if id, err := candidate.MemberID(0); err == nil && id != "" {
			valid = true
		}
	}

	if valid && newCount >= oldCount {
		c.retireLocked(old)
		c.entries[lobbyID] = &entry{h: candidate}
		c.log.WithFields(logrus.Fields{
			"lobby_id":    lobbyID,
			"old_members": oldCount,
			"new_members": newCount,
		}).Debug("handle cache: replaced with validated handle")
		return true
	}

	candidate.Release()
	c.log.WithFields(logrus.Fields{
		"lobby_id":    lobbyID,
		"old_members": oldCount,
		"new_members": newCount,
		"resolvable":  valid,
	}).Debug("handle cache: kept old handle, candidate invalid or has less data")
	return false
}

// Clear retires every cached handle and empties the cache. Handles still
// pinned by readers are released when their last pin drops.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		c.retireLocked(e)
		delete(c.entries, id)
	}
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
