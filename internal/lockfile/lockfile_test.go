package lockfile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustline/internal/lockfile"
)

func TestTryLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "ssl.lock")

	first := lockfile.New(path)
	require.NoError(t, first.TryLock())
	defer first.Unlock()
	assert.True(t, first.Locked())

	second := lockfile.New(path)
	err := second.TryLock()
	require.ErrorIs(t, err, lockfile.ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestLockHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.lock")
	holder := lockfile.New(path)
	require.NoError(t, holder.TryLock())
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(t.Context(), 120*time.Millisecond)
	defer cancel()

	err := lockfile.New(path).Lock(ctx)
	require.Error(t, err)
}

func TestWithReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crl.lock")
	l := lockfile.New(path)

	ran := false
	require.NoError(t, l.With(t.Context(), func() error {
		ran = true
		assert.True(t, l.Locked())
		return nil
	}))
	assert.True(t, ran)
	assert.False(t, l.Locked())
	assert.NoError(t, l.Unlock())
}
