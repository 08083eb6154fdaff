// Package rules filters and renames decoded changes before aggregation.
//
// Three rules apply, all optional: a blacklist of source table patterns,
// a single find/replace regexp that folds partitioned child tables into
// one logical target, and a row-age cutoff that drops rows whose
// updated_at predates the current segment by more than a threshold.
package rules

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"lakefeed/internal/domain"
)

// AgeColumn is the column the row-age filter consults.
const AgeColumn = "updated_at"

// timestampLayout matches the textual timestamps the stream emits for
// timestamp columns. Parse accepts a trailing fractional second even
// though the layout omits it; anything else, including zoned values,
// fails to parse and the row is kept.
const timestampLayout = "2006-01-02 15:04:05"

// Config carries the rule settings. Settings given literally and via the
// rules file merge: blacklists concatenate, a literal rename wins over
// the file's.
type Config struct {
	File            string        // optional yaml rules file
	Blacklist       []string      // source table glob patterns to drop
	RenameFind      string        // regexp applied to source table names
	RenameReplace   string        // replacement, $1-style groups allowed
	RowAgeThreshold time.Duration // 0 disables the row-age filter
}

type fileRules struct {
	Blacklist []string `yaml:"blacklist"`
	Rename    struct {
		Find    string `yaml:"find"`
		Replace string `yaml:"replace"`
	} `yaml:"rename"`
}

// Rules is a compiled rule set. Methods are safe for concurrent use.
type Rules struct {
	logger    *slog.Logger
	blacklist []string
	rename    *regexp.Regexp
	replace   string
	rowAge    time.Duration
}

// New compiles the rule set, loading and merging the rules file when one
// is configured.
func New(logger *slog.Logger, cfg Config) (*Rules, error) {
	find, replace := cfg.RenameFind, cfg.RenameReplace
	blacklist := append([]string(nil), cfg.Blacklist...)

	if cfg.File != "" {
		fr, err := loadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		blacklist = append(blacklist, fr.Blacklist...)
		if find == "" {
			find, replace = fr.Rename.Find, fr.Rename.Replace
		}
	}

	for _, pattern := range blacklist {
		// Self-match forces a scan of the whole pattern, surfacing
		// malformed character classes at startup.
		if _, err := path.Match(pattern, pattern); err != nil {
			return nil, fmt.Errorf("blacklist pattern %q: %w", pattern, err)
		}
	}

	r := &Rules{
		logger:    logger.With("component", "rules"),
		blacklist: blacklist,
		replace:   replace,
		rowAge:    cfg.RowAgeThreshold,
	}
	if find != "" {
		re, err := regexp.Compile(find)
		if err != nil {
			return nil, fmt.Errorf("rename pattern %q: %w", find, err)
		}
		r.rename = re
	}
	return r, nil
}

func loadFile(name string) (*fileRules, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var fr fileRules
	if err := decoder.Decode(&fr); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &fr, nil
}

// TableAllowed reports whether the source-qualified table name passes the
// blacklist. Patterns match the name as it appears on the stream, before
// any rename.
func (r *Rules) TableAllowed(table string) bool {
	for _, pattern := range r.blacklist {
		if ok, _ := path.Match(pattern, table); ok {
			return false
		}
	}
	return true
}

// Rename maps a source table name through the configured find/replace
// regexp. Names the pattern does not match pass through unchanged.
func (r *Rules) Rename(table string) string {
	if r.rename == nil {
		return table
	}
	return r.rename.ReplaceAllString(table, r.replace)
}

// KeepRow applies the row-age filter: a change whose updated_at column
// parses to a timestamp older than the threshold, measured against the
// current segment's creation time, is dropped. Every doubtful case keeps
// the row: filtering disabled, no updated_at column, null or unchanged
// toast value, unparseable text.
func (r *Rules) KeepRow(change *domain.Change, segmentCreated time.Time) bool {
	if r.rowAge <= 0 {
		return true
	}
	col, ok := change.Column(AgeColumn)
	if !ok || col.Value.Kind != domain.ValuePresent {
		return true
	}
	updated, err := time.Parse(timestampLayout, col.Value.Text)
	if err != nil {
		return true
	}
	cutoff := segmentCreated.UTC().Add(-r.rowAge)
	if updated.Before(cutoff) {
		r.logger.Debug("row older than age threshold, skipping",
			"table", change.Table, "updated_at", col.Value.Text)
		return false
	}
	return true
}
