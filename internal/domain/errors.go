// Package domain defines core types and errors for the replication pipeline.
package domain

import (
	"errors"
	"fmt"
)

// ParseError indicates a replication line the parser could not decode.
type ParseError struct {
	Line    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s: %q", e.Message, truncateLine(e.Line))
}

// DataError indicates data the warehouse cannot represent, such as a
// missing id column or an in-place column type change.
type DataError struct {
	Message string
}

func (e *DataError) Error() string { return "data: " + e.Message }

// LogicError indicates a broken internal invariant, such as a change
// routed to a table worker that has already shut down.
type LogicError struct {
	Message string
}

func (e *LogicError) Error() string { return "logic: " + e.Message }

// ErrParse creates a ParseError for the given input line with a formatted message.
func ErrParse(line, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// ErrData creates a DataError with a formatted message.
func ErrData(format string, args ...interface{}) *DataError {
	return &DataError{Message: fmt.Sprintf(format, args...)}
}

// ErrLogic creates a LogicError with a formatted message.
func ErrLogic(format string, args ...interface{}) *LogicError {
	return &LogicError{Message: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is one of the non-retryable pipeline errors.
// Anything else (network, storage, warehouse) is presumed transient and
// eligible for backoff.
func IsFatal(err error) bool {
	var pe *ParseError
	var de *DataError
	var le *LogicError
	return errors.As(err, &pe) || errors.As(err, &de) || errors.As(err, &le)
}

func truncateLine(line string) string {
	const max = 120
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}
