// Package parser decodes the textual logical-decoding stream into typed
// row changes. The stream is newline-delimited: BEGIN/COMMIT framing lines
// and one "table <schema.table>: <OP>: <columns...>" line per row change.
// Quoted text values may span lines, so the parser is stateful: a line that
// ends inside an open quote yields LineContinue and the next raw line is
// stitched on with a newline.
package parser

import (
	"strconv"
	"strings"

	"lakefeed/internal/domain"
)

// LineKind classifies one decoded line.
type LineKind uint8

const (
	// LineBegin opens a transaction.
	LineBegin LineKind = iota
	// LineCommit closes a transaction. Rotation is only legal here.
	LineCommit
	// LineChange carries one decoded row change.
	LineChange
	// LineContinue means the line ended inside a quoted value and the
	// change will be completed by subsequent lines.
	LineContinue
)

// Line is the result of decoding one raw input line.
type Line struct {
	Kind   LineKind
	Xid    int64
	Change *domain.Change // set when Kind == LineChange
}

// Parser decodes lines one at a time, carrying quote-continuation state
// between calls. Not safe for concurrent use; the input loop owns it.
type Parser struct {
	pending *domain.Change // change whose last column is mid-quote
}

// New returns a Parser ready for the start of the stream.
func New() *Parser {
	return &Parser{}
}

// Parse decodes one raw line. Unrecognized input is a fatal ParseError;
// the stream is positional and cannot be resynchronized mid-transaction.
func (p *Parser) Parse(line string) (Line, error) {
	if p.pending != nil {
		// Mid-quote: the raw line is part of the open text value, even
		// if it happens to start with a framing keyword.
		return p.continueChange(line)
	}
	switch {
	case strings.HasPrefix(line, "BEGIN"):
		return p.parseFraming(line, LineBegin)
	case strings.HasPrefix(line, "COMMIT"):
		return p.parseFraming(line, LineCommit)
	case strings.HasPrefix(line, "table "):
		return p.parseChange(line)
	default:
		return Line{}, domain.ErrParse(line, "unrecognized line")
	}
}

// Incomplete reports whether the parser is waiting for the rest of a
// quoted value. The stream must not end in this state.
func (p *Parser) Incomplete() bool { return p.pending != nil }

func (p *Parser) parseFraming(line string, kind LineKind) (Line, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Line{}, domain.ErrParse(line, "framing line without transaction id")
	}
	xid, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Line{}, domain.ErrParse(line, "bad transaction id %q", fields[1])
	}
	return Line{Kind: kind, Xid: xid}, nil
}

func (p *Parser) parseChange(line string) (Line, error) {
	rest := strings.TrimPrefix(line, "table ")

	table, rest, ok := cutSeparator(rest)
	if !ok || table == "" {
		return Line{}, domain.ErrParse(line, "missing table name")
	}
	kindStr, rest, ok := cutSeparator(rest)
	if !ok {
		return Line{}, domain.ErrParse(line, "missing change kind")
	}

	var op domain.Op
	switch kindStr {
	case "INSERT":
		op = domain.OpInsert
	case "UPDATE":
		op = domain.OpUpdate
	case "DELETE":
		op = domain.OpDelete
	default:
		return Line{}, domain.ErrParse(line, "unsupported change kind %q", kindStr)
	}

	change := &domain.Change{Table: table, Op: op}
	incomplete, err := p.parseColumns(change, rest)
	if err != nil {
		return Line{}, err
	}
	return p.finishChange(change, incomplete), nil
}

// continueChange stitches a raw line onto the pending change's open text
// value, joined by the newline the line split removed.
func (p *Parser) continueChange(line string) (Line, error) {
	change := p.pending
	p.pending = nil

	last := &change.Columns[len(change.Columns)-1]
	text, rest, incomplete := scanQuoted(line)
	last.Value.Text += "\n" + text
	if incomplete {
		return p.finishChange(change, true), nil
	}
	more, err := p.parseColumns(change, rest)
	if err != nil {
		return Line{}, err
	}
	return p.finishChange(change, more), nil
}

func (p *Parser) finishChange(change *domain.Change, incomplete bool) Line {
	if incomplete {
		p.pending = change
		return Line{Kind: LineContinue}
	}
	return Line{Kind: LineChange, Change: change}
}

// parseColumns decodes "name[type]:value ..." pairs until the line is
// exhausted, appending to change. Returns true when the final value's
// closing quote has not arrived yet.
func (p *Parser) parseColumns(change *domain.Change, s string) (bool, error) {
	for len(s) > 0 {
		name, typ, rest, err := parseColumnHeader(s)
		if err != nil {
			return false, err
		}
		value, rest, incomplete, err := parseValue(rest, typ)
		if err != nil {
			return false, err
		}
		change.Columns = append(change.Columns, domain.Column{
			Info:  domain.ColumnInfo{Name: name, SourceType: typ},
			Value: value,
		})
		if incomplete {
			return true, nil
		}
		s = rest
	}
	return false, nil
}

// parseColumnHeader splits "name[type]:" off the front of s. Array types
// are normalized to "array" regardless of element type.
func parseColumnHeader(s string) (name, typ, rest string, err error) {
	open := strings.IndexByte(s, '[')
	if open <= 0 {
		return "", "", "", domain.ErrParse(s, "malformed column header")
	}
	name = s[:open]
	if strings.ContainsAny(name, "]") {
		return "", "", "", domain.ErrParse(s, "malformed column name %q", name)
	}
	end := strings.Index(s[open:], "]:")
	if end < 0 {
		return "", "", "", domain.ErrParse(s, "column %q missing type", name)
	}
	typ = s[open+1 : open+end]
	if typ == "" {
		return "", "", "", domain.ErrParse(s, "column %q has empty type", name)
	}
	if strings.HasSuffix(typ, "[]") {
		typ = "array"
	}
	return name, typ, s[open+end+2:], nil
}

// parseValue decodes one column value according to the column's source
// type. The stream prints unquoted tokens for numbers and booleans and
// quoted, quote-doubled strings for everything textual.
func parseValue(s, typ string) (v domain.ColumnValue, rest string, incomplete bool, err error) {
	if tok, r := cutToken(s); tok == "null" {
		return domain.ColumnValue{Kind: domain.ValueNull}, r, false, nil
	}
	switch typ {
	case "smallint", "integer", "bigint", "oid":
		tok, r := cutToken(s)
		if _, perr := strconv.ParseInt(tok, 10, 64); perr != nil {
			return v, "", false, domain.ErrParse(s, "bad integer literal %q", tok)
		}
		return domain.ColumnValue{Kind: domain.ValuePresent, Text: tok}, r, false, nil
	case "numeric", "decimal", "double precision", "real":
		// Kept as literal text; fixed-precision rendering happens at the
		// staging layer so no float rounding ever touches the value.
		tok, r := cutToken(s)
		return domain.ColumnValue{Kind: domain.ValuePresent, Text: tok}, r, false, nil
	case "boolean":
		tok, r := cutToken(s)
		if tok != "true" && tok != "false" {
			return v, "", false, domain.ErrParse(s, "bad boolean literal %q", tok)
		}
		return domain.ColumnValue{Kind: domain.ValuePresent, Text: tok}, r, false, nil
	case "character varying", "text", "public.citext", "json", "jsonb",
		"uuid", "bytea", "date", "timestamp without time zone", "interval",
		"public.hstore", "array":
		return parseTextValue(s)
	default:
		return v, "", false, domain.ErrData("unmapped column type %q", typ)
	}
}

func parseTextValue(s string) (v domain.ColumnValue, rest string, incomplete bool, err error) {
	if tok, r := cutToken(s); tok == "unchanged-toast-datum" {
		return domain.ColumnValue{Kind: domain.ValueUnchanged}, r, false, nil
	}
	if !strings.HasPrefix(s, "'") {
		return v, "", false, domain.ErrParse(s, "text value missing opening quote")
	}
	text, rest, incomplete := scanQuoted(s[1:])
	return domain.ColumnValue{Kind: domain.ValuePresent, Text: text}, rest, incomplete, nil
}

// scanQuoted consumes a quoted value body (opening quote already removed),
// undoubling '' escapes. When no terminating quote is found the value
// continues on the next raw line and incomplete is true.
func scanQuoted(s string) (text, rest string, incomplete bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i++
			continue
		}
		// Terminating quote: skip it and the following space, if any.
		rest = s[i+1:]
		rest = strings.TrimPrefix(rest, " ")
		return b.String(), rest, false
	}
	return b.String(), "", true
}

// cutToken splits the next space-delimited token off the front of s.
func cutToken(s string) (tok, rest string) {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// cutSeparator splits at the ": " separating table name, kind, and columns.
func cutSeparator(s string) (head, rest string, ok bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 || i+1 >= len(s) || s[i+1] != ' ' {
		return "", "", false
	}
	return s[:i], s[i+2:], true
}
