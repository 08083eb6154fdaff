package wal

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(slog.New(slog.DiscardHandler), dir, 10*time.Minute, 1<<30)
	require.NoError(t, err)
	return m
}

func TestNumberingStartsAtOne(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir)
	assert.Equal(t, uint64(1), m.Current().Seq)
	assert.Equal(t, filepath.Join(dir, "0000000000000001.wal"), m.Current().Path)
}

func TestNumberingResumesPastExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000000000000007.wal"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000000000000002.wal"), nil, 0o644))

	m := newManager(t, dir)
	assert.Equal(t, uint64(8), m.Current().Seq)
}

func TestAppendWritesLines(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir)

	require.NoError(t, m.Append("BEGIN 1"))
	require.NoError(t, m.Append("COMMIT 1"))
	seg, err := m.Finish()
	require.NoError(t, err)

	data, err := os.ReadFile(seg.Path)
	require.NoError(t, err)
	assert.Equal(t, "BEGIN 1\nCOMMIT 1\n", string(data))
}

func TestRotateByBytes(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(slog.New(slog.DiscardHandler), dir, 10*time.Minute, 16)
	require.NoError(t, err)

	require.NoError(t, m.Append("BEGIN 1"))
	assert.False(t, m.ShouldRotate())
	require.NoError(t, m.Append("COMMIT 1"))
	assert.True(t, m.ShouldRotate())

	finished, err := m.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), finished.Seq)
	assert.Equal(t, uint64(2), m.Current().Seq)
	assert.False(t, m.ShouldRotate())
}

func TestRotateByElapsedTime(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(slog.New(slog.DiscardHandler), dir, 10*time.Minute, 1<<30)
	require.NoError(t, err)

	now := m.openedAt
	m.now = func() time.Time { return now.Add(9 * time.Minute) }
	assert.False(t, m.ShouldRotate())

	m.now = func() time.Time { return now.Add(10 * time.Minute) }
	assert.True(t, m.ShouldRotate())
}

func TestDoneMarkers(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir)
	require.NoError(t, m.Append("BEGIN 1"))

	for i := 0; i < 3; i++ {
		_, err := m.Rotate()
		require.NoError(t, err)
		require.NoError(t, m.Append("BEGIN 1"))
	}
	_, err := m.Finish()
	require.NoError(t, err)

	require.NoError(t, MarkDone(dir, 2))
	require.NoError(t, MarkDone(dir, 3))
	assert.True(t, IsDone(dir, 2))
	assert.False(t, IsDone(dir, 1))

	unfinished, err := ListUnfinished(dir)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	assert.Equal(t, uint64(1), unfinished[0].Seq)
	assert.Equal(t, uint64(4), unfinished[1].Seq)

	done, err := ListDone(dir)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, uint64(2), done[0].Seq)
	assert.Equal(t, uint64(3), done[1].Seq)
}

func TestListRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-hex.wal"), nil, 0o644))

	_, err := ListUnfinished(dir)
	require.Error(t, err)
}
