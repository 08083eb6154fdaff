// Package pipeline runs the capture loop: durable append of the replication
// stream, decoding, per-row aggregation, and the per-table upload and load
// fan-out, with segment rotation at commit boundaries and replay of
// unfinished segments at startup.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"lakefeed/internal/collector"
	"lakefeed/internal/dispatch"
	"lakefeed/internal/domain"
	"lakefeed/internal/ledger"
	"lakefeed/internal/parser"
	"lakefeed/internal/retry"
	"lakefeed/internal/rules"
	"lakefeed/internal/stage"
	"lakefeed/internal/status"
	"lakefeed/internal/storage"
	"lakefeed/internal/wal"
)

// Input yields raw replication lines. Close unblocks a pending Next; the
// pipeline treats a closed input as end of stream.
type Input interface {
	Next() (string, error)
	Close() error
}

// Warehouse applies schema directives and loads uploaded files.
type Warehouse interface {
	ApplyDirective(ctx context.Context, d *domain.SchemaDirective) error
	LoadFile(ctx context.Context, f *domain.RemoteFile) error
}

// Config bounds segment rotation and the retry policy.
type Config struct {
	WALDir            string
	StageDir          string
	RotateAfter       time.Duration
	RotateBytes       int64
	BackoffMaxElapsed time.Duration
}

// Deps are the pipeline's collaborators, constructed in main. Ledger may be
// nil (shipment history disabled), Cache may be nil (every first sighting of
// a table emits a create-table directive), Counters may be nil when no
// status server is running. Everything else is required.
type Deps struct {
	Input     Input
	Rules     *rules.Rules
	Store     storage.Store
	Warehouse Warehouse
	Cache     collector.SchemaCache
	Ledger    *ledger.Ledger
	Counters  *status.Counters
}

// Pipeline owns the input loop and the two per-table routers. Run may be
// called once.
type Pipeline struct {
	logger    *slog.Logger
	cfg       Config
	input     Input
	rules     *rules.Rules
	store     storage.Store
	warehouse Warehouse
	ledger    *ledger.Ledger
	counters  *status.Counters

	parser    *parser.Parser
	collector *collector.Collector
	wal       *wal.Manager
	stage     *stage.Writer
	tracker   *tracker

	uploads *dispatch.Router[UploadItem]
	loads   *dispatch.Router[LoadItem]

	segmentStarted time.Time // open segment's creation, for the row-age rule
	progress       rate.Sometimes
}

// New wires a Pipeline. The segment manager is opened by Run so startup
// replay can list unfinished segments before a fresh one is created.
func New(logger *slog.Logger, cfg Config, deps Deps) *Pipeline {
	if deps.Counters == nil {
		deps.Counters = &status.Counters{}
	}
	p := &Pipeline{
		logger:    logger.With("component", "pipeline"),
		cfg:       cfg,
		input:     deps.Input,
		rules:     deps.Rules,
		store:     deps.Store,
		warehouse: deps.Warehouse,
		ledger:    deps.Ledger,
		counters:  deps.Counters,

		parser:    parser.New(),
		collector: collector.New(logger, deps.Cache),
		stage:     stage.NewWriter(logger, cfg.StageDir),
		tracker:   newTracker(),
		progress:  rate.Sometimes{Interval: 30 * time.Second},
	}
	p.uploads = dispatch.NewRouter(logger, "upload", UploadItem.TableName, p.uploadOne)
	p.loads = dispatch.NewRouter(logger, "load", LoadItem.TableName, p.loadOne)
	return p
}

// Run replays unfinished segments, then consumes live input until it ends,
// draining all in-flight uploads and loads before returning. A fatal error
// anywhere abandons queued work instead of draining it: the affected
// segments stay unmarked and replay on the next start.
func (p *Pipeline) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	replays, err := wal.ListUnfinished(p.cfg.WALDir)
	if err != nil {
		return err
	}
	manager, err := wal.NewManager(p.logger, p.cfg.WALDir, p.cfg.RotateAfter, p.cfg.RotateBytes)
	if err != nil {
		return err
	}
	p.wal = manager

	uploadsDone := make(chan error, 1)
	loadsDone := make(chan error, 1)
	go func() {
		err := p.uploads.Run(ctx)
		if err != nil {
			cancel(err)
		}
		uploadsDone <- err
	}()
	go func() {
		err := p.loads.Run(ctx)
		if err != nil {
			cancel(err)
		}
		loadsDone <- err
	}()

	// A worker failure or caller cancellation must unblock an input read
	// waiting on a quiet stream; a closed input reads as end of stream.
	go func() {
		<-ctx.Done()
		_ = p.input.Close()
	}()

	runErr := p.process(ctx, replays)
	if runErr != nil {
		cancel(runErr)
	}

	p.uploads.Close()
	uploadErr := <-uploadsDone
	p.loads.Close()
	loadErr := <-loadsDone

	if segments := p.tracker.pending(); len(segments) > 0 {
		p.logger.Warn("segments not fully shipped, they will replay on next start",
			"segments", segments)
	}
	p.logger.Info("pipeline stopped")

	for _, err := range []error{runErr, uploadErr, loadErr} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return parent.Err()
}

// process is the input goroutine: replay, then the live loop, then the
// final flush when the stream ends.
func (p *Pipeline) process(ctx context.Context, replays []wal.Segment) error {
	for _, seg := range replays {
		if err := p.replaySegment(ctx, seg); err != nil {
			return err
		}
	}

	if err := p.startSegment(p.wal.Current(), time.Now()); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		line, err := p.input.Next()
		if endOfInput(err) {
			// Distinguish a real end of stream from the monitor closing
			// the input after a worker failure.
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		p.counters.LinesRead.Add(1)
		if err := p.handleLine(ctx, line); err != nil {
			return err
		}
		p.progress.Do(func() {
			p.logger.Info("capture progress",
				"segment", p.wal.Current().Seq,
				"lines_read", p.counters.LinesRead.Load(),
				"files_staged", p.counters.FilesStaged.Load(),
				"files_loaded", p.counters.FilesLoaded.Load())
		})
	}
	p.logger.Info("input ended, flushing")
	return p.finishFinalSegment(ctx)
}

// endOfInput folds the two ways the stream stops: the source reached EOF,
// or Close unblocked a pending read during shutdown.
func endOfInput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
}

// handleLine is the live path for one raw line: durable append before
// anything downstream sees the line. Rotation only happens on commits, so a
// segment never ends inside a transaction.
func (p *Pipeline) handleLine(ctx context.Context, line string) error {
	if err := p.wal.Append(line); err != nil {
		return err
	}
	commit, err := p.consume(ctx, line)
	if err != nil {
		return err
	}
	if commit && p.wal.ShouldRotate() {
		return p.rotate(ctx)
	}
	return nil
}

// consume decodes one line and routes a change through the table rules into
// the collector. Reports whether the line was a commit boundary.
func (p *Pipeline) consume(ctx context.Context, line string) (commit bool, err error) {
	parsed, err := p.parser.Parse(line)
	if err != nil {
		return false, err
	}
	switch parsed.Kind {
	case parser.LineCommit:
		return true, nil
	case parser.LineChange:
		return false, p.ingest(ctx, parsed.Change)
	default: // begin and continuation lines carry nothing to ingest
		return false, nil
	}
}

func (p *Pipeline) ingest(ctx context.Context, change *domain.Change) error {
	if !p.rules.TableAllowed(change.Table) {
		return nil
	}
	change.Table = p.rules.Rename(change.Table)
	if !p.rules.KeepRow(change, p.segmentStarted) {
		return nil
	}
	emission, err := p.collector.Ingest(change)
	if err != nil {
		return err
	}
	if emission == nil {
		return nil
	}
	return p.dispatchEmission(ctx, emission)
}

// dispatchEmission ships a schema event: the table's old-shape batches go
// out before the directives, so warehouse DDL stays behind the data that
// still depends on the old shape.
func (p *Pipeline) dispatchEmission(ctx context.Context, em *collector.Emission) error {
	for _, batch := range em.Batches {
		if err := p.stageAndDispatch(ctx, batch); err != nil {
			return err
		}
	}
	for i := range em.Directives {
		d := &em.Directives[i]
		p.tracker.expect(d.Segment)
		if err := p.sendUpload(ctx, UploadItem{Directive: d}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) stageAndDispatch(ctx context.Context, batch collector.Batch) error {
	file, err := p.stage.WriteBatch(batch)
	if err != nil {
		return err
	}
	if err := p.ledger.FileStaged(ctx, file); err != nil {
		return err
	}
	p.tracker.expect(file.Segment)
	p.counters.FilesStaged.Add(1)
	return p.sendUpload(ctx, UploadItem{File: file})
}

func (p *Pipeline) sendUpload(ctx context.Context, item UploadItem) error {
	select {
	case p.uploads.In() <- item:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// rotate finishes the open segment at a commit boundary: drain the
// collector into staged files, swap the segment file, then seal so the
// finished segment completes once its files land.
func (p *Pipeline) rotate(ctx context.Context) error {
	if err := p.flushSegment(ctx); err != nil {
		return err
	}
	finished, err := p.wal.Rotate()
	if err != nil {
		return err
	}
	if err := p.sealSegment(ctx, finished.Seq, time.Now()); err != nil {
		return err
	}
	return p.startSegment(p.wal.Current(), time.Now())
}

func (p *Pipeline) flushSegment(ctx context.Context) error {
	for _, batch := range p.collector.FlushAll() {
		if err := p.stageAndDispatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) startSegment(seg wal.Segment, startedAt time.Time) error {
	p.segmentStarted = startedAt
	p.counters.Segment.Store(seg.Seq)
	return p.collector.SetSegment(seg.Seq)
}

// sealSegment records the rotation and closes the segment's expectation
// set. A segment that shipped nothing completes on the spot.
func (p *Pipeline) sealSegment(ctx context.Context, seq uint64, rotatedAt time.Time) error {
	if err := p.ledger.SegmentRotated(ctx, seq, rotatedAt); err != nil {
		return err
	}
	if p.tracker.seal(seq) {
		return p.completeSegment(ctx, seq)
	}
	return nil
}

// completeSegment runs exactly once per segment, from whichever goroutine
// drained it last. The done marker makes the segment invisible to startup
// replay and eligible for retention cleanup.
func (p *Pipeline) completeSegment(ctx context.Context, seq uint64) error {
	if err := wal.MarkDone(p.cfg.WALDir, seq); err != nil {
		return err
	}
	if err := p.ledger.SegmentCompleted(ctx, seq); err != nil {
		return err
	}
	p.counters.SegmentsDone.Add(1)
	p.logger.Info("segment shipped", "segment", seq)
	return nil
}

// finishFinalSegment drains the collector and closes the open segment when
// input ends. The fatal path never comes here: a crashed run leaves its
// segment unmarked and replays it instead.
func (p *Pipeline) finishFinalSegment(ctx context.Context) error {
	if p.parser.Incomplete() {
		p.logger.Warn("input ended inside a quoted value, dropping the unfinished change")
	}
	if err := p.flushSegment(ctx); err != nil {
		return err
	}
	finished, err := p.wal.Finish()
	if err != nil {
		return err
	}
	return p.sealSegment(ctx, finished.Seq, time.Now())
}

// replaySegment re-processes one unfinished segment from disk. Lines are
// already durable, so nothing is appended; the segment keeps its own number
// for attribution, and the file's modification time stands in for the
// creation time the row-age rule wants, bounding the last append.
func (p *Pipeline) replaySegment(ctx context.Context, seg wal.Segment) error {
	f, err := os.Open(seg.Path)
	if err != nil {
		return fmt.Errorf("opening segment %016X for replay: %w", seg.Seq, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %016X: %w", seg.Seq, err)
	}

	p.logger.Info("replaying segment", "segment", seg.Seq)
	p.segmentStarted = info.ModTime()
	p.counters.Segment.Store(seg.Seq)
	if err := p.collector.SetSegment(seg.Seq); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// A crash can leave a final line without its newline.
			if line != "" {
				p.counters.LinesRead.Add(1)
				if _, cerr := p.consume(ctx, line); cerr != nil {
					return cerr
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("reading segment %016X: %w", seg.Seq, err)
		}
		p.counters.LinesRead.Add(1)
		if _, err := p.consume(ctx, strings.TrimSuffix(line, "\n")); err != nil {
			return err
		}
	}

	if p.parser.Incomplete() {
		// Only a segment cut mid-write can end inside a quoted value. The
		// cut transaction is re-sent in full once the slot resumes.
		p.logger.Warn("segment ends inside a quoted value, dropping the unfinished change",
			"segment", seg.Seq)
		p.parser = parser.New()
	}
	if err := p.flushSegment(ctx); err != nil {
		return err
	}
	return p.sealSegment(ctx, seg.Seq, info.ModTime())
}

// uploadOne is the upload router's work function, serialized per table.
// Directives carry nothing to upload and pass straight through, keeping
// their place in the table's queue.
func (p *Pipeline) uploadOne(ctx context.Context, item UploadItem) error {
	if item.Directive != nil {
		return p.sendLoad(ctx, LoadItem{Directive: item.Directive})
	}
	file := item.File
	var remote *domain.RemoteFile
	err := retry.Do(ctx, p.logger, p.cfg.BackoffMaxElapsed, "upload "+file.Name, func() error {
		var uerr error
		remote, uerr = p.store.Upload(ctx, file)
		return uerr
	})
	if err != nil {
		return err
	}
	if err := p.ledger.FileUploaded(ctx, remote); err != nil {
		return err
	}
	p.counters.FilesUploaded.Add(1)
	return p.sendLoad(ctx, LoadItem{File: remote})
}

func (p *Pipeline) sendLoad(ctx context.Context, item LoadItem) error {
	select {
	case p.loads.In() <- item:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// loadOne is the load router's work function, serialized per table. Every
// unit reports back to the segment tracker; whichever unit drains its
// segment writes the done marker.
func (p *Pipeline) loadOne(ctx context.Context, item LoadItem) error {
	if item.Directive != nil {
		d := item.Directive
		what := fmt.Sprintf("%s %s", d.Kind, d.Table)
		err := retry.Do(ctx, p.logger, p.cfg.BackoffMaxElapsed, what, func() error {
			return p.warehouse.ApplyDirective(ctx, d)
		})
		if err != nil {
			return err
		}
		if p.tracker.finished(d.Segment) {
			return p.completeSegment(ctx, d.Segment)
		}
		return nil
	}

	file := item.File
	err := retry.Do(ctx, p.logger, p.cfg.BackoffMaxElapsed, "load "+file.Name, func() error {
		return p.warehouse.LoadFile(ctx, file)
	})
	if err != nil {
		return err
	}
	if err := p.ledger.FileLoaded(ctx, file); err != nil {
		return err
	}
	p.counters.FilesLoaded.Add(1)
	if p.tracker.finished(file.Segment) {
		return p.completeSegment(ctx, file.Segment)
	}
	return nil
}
