package handlecache

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodzio28/lobbycore/internal/directory"
)

// fakeHandle counts releases, refuses reads after release, and lets
// tests shape member resolvability.
type fakeHandle struct {
	id           string
	memberIDs    []string
	unresolvable bool
	released     int
}

func (f *fakeHandle) Info() (directory.SessionInfo, error) {
	return directory.SessionInfo{LobbyID: f.id, MaxMembers: 4}, nil
}

func (f *fakeHandle) MemberCount() int { return len(f.memberIDs) }

func (f *fakeHandle) MemberID(index int) (string, error) {
	if f.released > 0 {
		return "", fmt.Errorf("handle read after release")
	}
	if index < 0 || index >= len(f.memberIDs) {
		return "", fmt.Errorf("index %d out of range", index)
	}
	if f.unresolvable {
		return "", fmt.Errorf("member %d not resolvable", index)
	}
	return f.memberIDs[index], nil
}

func (f *fakeHandle) MemberAttributes(userID string) (map[string]string, error) {
	if f.released > 0 {
		return nil, fmt.Errorf("handle read after release")
	}
	return map[string]string{}, nil
}

func (f *fakeHandle) Attributes() map[string]string { return map[string]string{} }

func (f *fakeHandle) Release() { f.released++ }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestPutReleasesPrevious(t *testing.T) {
	c := New(quietLogger())
	first := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	second := &fakeHandle{id: "l1", memberIDs: []string{"u1", "u2"}}

	c.Put("l1", first)
	c.Put("l1", second)

	assert.Equal(t, 1, first.released)
	assert.Equal(t, 0, second.released)

	got, unpin, ok := c.Acquire("l1")
	require.True(t, ok)
	defer unpin()
	assert.Same(t, second, got)
	assert.Equal(t, 1, c.Len())
}

func TestPutSameHandleDoesNotRelease(t *testing.T) {
	c := New(quietLogger())
	h := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}

	c.Put("l1", h)
	c.Put("l1", h)

	assert.Equal(t, 0, h.released)
}

func TestInvalidateReleasesAndDrops(t *testing.T) {
	c := New(quietLogger())
	h := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	c.Put("l1", h)

	c.Invalidate("l1")

	assert.Equal(t, 1, h.released)
	_, _, ok := c.Acquire("l1")
	assert.False(t, ok)

	// Invalidating an absent id is a no-op.
	c.Invalidate("l1")
	assert.Equal(t, 1, h.released)
}

func TestAcquirePinsHandleAcrossReplacement(t *testing.T) {
	c := New(quietLogger())
	old := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	c.Put("l1", old)

	h, unpin, ok := c.Acquire("l1")
	require.True(t, ok)
	require.Same(t, old, h)

	// A replacement lands while the reader still holds the handle.
	candidate := &fakeHandle{id: "l1", memberIDs: []string{"u1", "u2"}}
	require.True(t, c.ReplaceIfBetter("l1", candidate))

	// The superseded handle stays readable until the reader lets go.
	assert.Equal(t, 0, old.released)
	id, err := h.MemberID(0)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	unpin()
	assert.Equal(t, 1, old.released)

	// A second unpin is a no-op.
	unpin()
	assert.Equal(t, 1, old.released)

	got, unpin2, ok := c.Acquire("l1")
	require.True(t, ok)
	defer unpin2()
	assert.Same(t, candidate, got)
}

func TestInvalidateDefersReleaseToLastPin(t *testing.T) {
	c := New(quietLogger())
	h := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	c.Put("l1", h)

	pinned, unpin, ok := c.Acquire("l1")
	require.True(t, ok)

	c.Invalidate("l1")
	assert.Equal(t, 0, h.released)
	_, err := pinned.MemberID(0)
	assert.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	unpin()
	assert.Equal(t, 1, h.released)
}

func TestPutWhilePinnedDefersRelease(t *testing.T) {
	c := New(quietLogger())
	old := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	c.Put("l1", old)

	_, unpin, ok := c.Acquire("l1")
	require.True(t, ok)

	fresh := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	c.Put("l1", fresh)

	assert.Equal(t, 0, old.released)
	unpin()
	assert.Equal(t, 1, old.released)
	assert.Equal(t, 0, fresh.released)
}

func TestReplaceIfBetter(t *testing.T) {
	tests := []struct {
		name         string
		oldMembers   []string
		newMembers   []string
		unresolvable bool
		wantReplaced bool
	}{
		{
			name:         "more members replaces",
			oldMembers:   []string{"u1"},
			newMembers:   []string{"u1", "u2"},
			wantReplaced: true,
		},
		{
			name:         "equal members replaces",
			oldMembers:   []string{"u1", "u2"},
			newMembers:   []string{"u1", "u2"},
			wantReplaced: true,
		},
		{
			name:         "fewer members rejected",
			oldMembers:   []string{"u1", "u2"},
			newMembers:   []string{"u1"},
			wantReplaced: false,
		},
		{
			name:         "empty candidate rejected",
			oldMembers:   []string{"u1"},
			newMembers:   nil,
			wantReplaced: false,
		},
		{
			name:         "unresolvable first member rejected",
			oldMembers:   []string{"u1"},
			newMembers:   []string{"u1", "u2", "u3"},
			unresolvable: true,
			wantReplaced: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(quietLogger())
			old := &fakeHandle{id: "l1", memberIDs: tt.oldMembers}
			candidate := &fakeHandle{id: "l1", memberIDs: tt.newMembers, unresolvable: tt.unresolvable}
			c.Put("l1", old)

			replaced := c.ReplaceIfBetter("l1", candidate)

			assert.Equal(t, tt.wantReplaced, replaced)
			got, unpin, ok := c.Acquire("l1")
			require.True(t, ok)
			defer unpin()
			if tt.wantReplaced {
				assert.Same(t, candidate, got)
				assert.Equal(t, 1, old.released)
				assert.Equal(t, 0, candidate.released)
			} else {
				assert.Same(t, old, got)
				assert.Equal(t, 0, old.released)
				assert.Equal(t, 1, candidate.released)
			}
		})
	}
}

func TestReplaceIfBetterWithoutExistingActsAsPut(t *testing.T) {
	c := New(quietLogger())
	candidate := &fakeHandle{id: "l1"} // even an empty candidate beats nothing

	assert.True(t, c.ReplaceIfBetter("l1", candidate))
	got, unpin, ok := c.Acquire("l1")
	require.True(t, ok)
	defer unpin()
	assert.Same(t, candidate, got)
}

func TestClearReleasesEverything(t *testing.T) {
	c := New(quietLogger())
	h1 := &fakeHandle{id: "l1", memberIDs: []string{"u1"}}
	h2 := &fakeHandle{id: "l2", memberIDs: []string{"u2"}}
	c.Put("l1", h1)
	c.Put("l2", h2)

	c.Clear()

	assert.Equal(t, 1, h1.released)
	assert.Equal(t, 1, h2.released)
	assert.Equal(t, 0, c.Len())
}
