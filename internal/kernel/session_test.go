package kernel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.Create(map[string]string{"client": "agent"})
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatusActive, s.Status)
	require.NoError(t, tbl.CheckActive(s.ID))

	owned, err := tbl.BeginClose(s.ID)
	require.NoError(t, err)
	assert.Empty(t, owned)
	assert.ErrorIs(t, tbl.CheckActive(s.ID), ErrSessionNotFound)

	tbl.FinishClose(s.ID)
	snap, ok := tbl.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusClosed, snap.Status)
}

func TestWithActiveRegistersOwnership(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.Create(nil)

	require.NoError(t, tbl.WithActive(s.ID, func() (string, error) {
		return "h-1", nil
	}))
	require.NoError(t, tbl.WithActive(s.ID, func() (string, error) {
		return "h-2", nil
	}))

	owned, err := tbl.BeginClose(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h-1", "h-2"}, owned)
}

func TestWithActiveErrorDoesNotRegister(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.Create(nil)

	fault := errors.New("allocation failed")
	err := tbl.WithActive(s.ID, func() (string, error) {
		return "", fault
	})
	assert.ErrorIs(t, err, fault)

	owned, err := tbl.BeginClose(s.ID)
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestWithActiveRejectsClosingSession(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.Create(nil)
	_, err := tbl.BeginClose(s.ID)
	require.NoError(t, err)

	called := false
	err = tbl.WithActive(s.ID, func() (string, error) {
		called = true
		return "h-1", nil
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, called)
}

func TestBeginCloseTwice(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.Create(nil)
	_, err := tbl.BeginClose(s.ID)
	require.NoError(t, err)

	_, err = tbl.BeginClose(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDisown(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.Create(nil)
	require.NoError(t, tbl.WithActive(s.ID, func() (string, error) { return "h-1", nil }))

	tbl.Disown(s.ID, "h-1")
	tbl.Disown(s.ID, "h-unknown")
	tbl.Disown("no-such-session", "h-1")

	owned, err := tbl.BeginClose(s.ID)
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestUndrainedAndCounts(t *testing.T) {
	tbl := NewSessionTable()
	a := tbl.Create(nil)
	b := tbl.Create(nil)
	c := tbl.Create(nil)

	_, err := tbl.BeginClose(b.ID)
	require.NoError(t, err)
	_, err = tbl.BeginClose(c.ID)
	require.NoError(t, err)
	tbl.FinishClose(c.ID)

	active, closing, closed := tbl.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, closing)
	assert.Equal(t, 1, closed)

	assert.Equal(t, []string{a.ID}, tbl.ActiveIDs())
	undrained := tbl.Undrained()
	assert.Len(t, undrained, 2)
	assert.NotContains(t, undrained, c.ID)
}

func TestAdoptAndSnapshot(t *testing.T) {
	tbl := NewSessionTable()
	require.NoError(t, tbl.Adopt("restored-1", map[string]string{"client": "agent"}, time.Time{}))
	require.Error(t, tbl.Adopt("restored-1", nil, time.Time{}))
	require.Error(t, tbl.Adopt("", nil, time.Time{}))

	require.NoError(t, tbl.CheckActive("restored-1"))
	require.NoError(t, tbl.WithActive("restored-1", func() (string, error) { return "h1", nil }))

	closed := tbl.Create(nil)
	_, err := tbl.BeginClose(closed.ID)
	require.NoError(t, err)
	tbl.FinishClose(closed.ID)

	recs := tbl.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "restored-1", recs[0].ID)
	assert.Equal(t, []string{"h1"}, recs[0].Owned)
	assert.False(t, recs[0].CreatedAt.IsZero())
}

func TestConcurrentCreateAndClose(t *testing.T) {
	tbl := NewSessionTable()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := tbl.Create(nil)
			_ = tbl.WithActive(s.ID, func() (string, error) { return "h", nil })
			if _, err := tbl.BeginClose(s.ID); err == nil {
				tbl.FinishClose(s.ID)
			}
		}()
	}
	wg.Wait()

	active, closing, closed := tbl.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, closing)
	assert.Equal(t, 16, closed)
}
