// Package wal persists the raw replication stream into rotating,
// sequence-numbered segment files. Segments are the unit of crash
// recovery: a segment without a done marker is replayed on startup.
package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Segment identifies one on-disk segment file.
type Segment struct {
	Seq  uint64
	Path string
}

// Manager owns the open segment. Single-owner: only the input loop calls
// it. Rotation policy (commit boundaries only) lives with the caller; the
// manager just reports when limits are exceeded.
type Manager struct {
	logger    *slog.Logger
	dir       string
	timeLimit time.Duration
	byteLimit int64

	file     *os.File
	seq      uint64
	bytes    int64
	openedAt time.Time
	now      func() time.Time
}

// NewManager opens a fresh segment in dir, numbered one past the highest
// segment already present so replayable history is never overwritten.
func NewManager(logger *slog.Logger, dir string, timeLimit time.Duration, byteLimit int64) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	next, err := nextSeq(dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logger:    logger.With("component", "wal"),
		dir:       dir,
		timeLimit: timeLimit,
		byteLimit: byteLimit,
		now:       time.Now,
	}
	if err := m.open(next); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) open(seq uint64) error {
	path := segmentPath(m.dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening segment %016X: %w", seq, err)
	}
	m.file = f
	m.seq = seq
	m.bytes = 0
	m.openedAt = m.now()
	m.logger.Info("segment opened", "segment", seq)
	return nil
}

// Append writes one raw line to the open segment before any downstream
// processing of that line proceeds.
func (m *Manager) Append(line string) error {
	if _, err := m.file.WriteString(line); err != nil {
		return fmt.Errorf("appending to segment %016X: %w", m.seq, err)
	}
	if _, err := m.file.WriteString("\n"); err != nil {
		return fmt.Errorf("appending to segment %016X: %w", m.seq, err)
	}
	m.bytes += int64(len(line)) + 1
	return nil
}

// Current returns the open segment's descriptor.
func (m *Manager) Current() Segment {
	return Segment{Seq: m.seq, Path: segmentPath(m.dir, m.seq)}
}

// ShouldRotate reports whether the open segment has outgrown its time or
// byte limit. The caller checks this only at commit boundaries so a
// segment never ends inside a transaction.
func (m *Manager) ShouldRotate() bool {
	if m.bytes >= m.byteLimit {
		return true
	}
	return m.now().Sub(m.openedAt) >= m.timeLimit
}

// Rotate closes the open segment and opens its successor, returning the
// finished segment exactly once.
func (m *Manager) Rotate() (Segment, error) {
	finished, err := m.Finish()
	if err != nil {
		return Segment{}, err
	}
	if err := m.open(m.seq + 1); err != nil {
		return Segment{}, err
	}
	return finished, nil
}

// Finish syncs and closes the open segment without opening a successor.
// Used at shutdown; Rotate uses it on the live path.
func (m *Manager) Finish() (Segment, error) {
	finished := m.Current()
	if err := m.file.Sync(); err != nil {
		return Segment{}, fmt.Errorf("syncing segment %016X: %w", m.seq, err)
	}
	if err := m.file.Close(); err != nil {
		return Segment{}, fmt.Errorf("closing segment %016X: %w", m.seq, err)
	}
	m.logger.Info("segment finished", "segment", finished.Seq, "bytes", m.bytes)
	return finished, nil
}

// MarkDone records that every staged file produced from the segment has
// been uploaded and loaded. Marked segments are skipped by startup replay
// and become eligible for retention cleanup.
func MarkDone(dir string, seq uint64) error {
	f, err := os.Create(donePath(dir, seq))
	if err != nil {
		return fmt.Errorf("marking segment %016X done: %w", seq, err)
	}
	return f.Close()
}

// IsDone reports whether the segment carries a done marker.
func IsDone(dir string, seq uint64) bool {
	_, err := os.Stat(donePath(dir, seq))
	return err == nil
}

// ListUnfinished returns the segments in dir without done markers, in
// ascending sequence order: the startup replay set.
func ListUnfinished(dir string) ([]Segment, error) {
	segments, err := list(dir)
	if err != nil {
		return nil, err
	}
	unfinished := segments[:0]
	for _, seg := range segments {
		if !IsDone(dir, seg.Seq) {
			unfinished = append(unfinished, seg)
		}
	}
	return unfinished, nil
}

// ListDone returns the segments in dir that carry done markers, ascending.
// Used by retention cleanup.
func ListDone(dir string) ([]Segment, error) {
	segments, err := list(dir)
	if err != nil {
		return nil, err
	}
	done := segments[:0]
	for _, seg := range segments {
		if IsDone(dir, seg.Seq) {
			done = append(done, seg)
		}
	}
	return done, nil
}

func list(dir string) ([]Segment, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	segments := make([]Segment, 0, len(paths))
	for _, path := range paths {
		stem := strings.TrimSuffix(filepath.Base(path), ".wal")
		seq, err := strconv.ParseUint(stem, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("segment directory holds unrecognized file %s: %w", filepath.Base(path), err)
		}
		segments = append(segments, Segment{Seq: seq, Path: path})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Seq < segments[j].Seq })
	return segments, nil
}

func nextSeq(dir string) (uint64, error) {
	segments, err := list(dir)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, seg := range segments {
		if seg.Seq > max {
			max = seg.Seq
		}
	}
	return max + 1, nil
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016X.wal", seq))
}

func donePath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016X.done", seq))
}
