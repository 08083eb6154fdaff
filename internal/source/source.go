// Package source provides the replication line input: stdin, an existing
// file, or a spawned pg_recvlogical child streaming the test_decoding
// plugin's output.
package source

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// InputStdin selects standard input; it is also the default when Input is
// empty. InputChild spawns pg_recvlogical. Any other Input value is opened
// as a file path.
const (
	InputStdin = "-"
	InputChild = "pg_recvlogical"
)

// Config selects and parameterizes the input.
type Config struct {
	Input       string // "-", "pg_recvlogical", or a file path
	Recvlogical string // pg_recvlogical executable, defaults to $PATH lookup
	ConnString  string // source database connection string
	Slot        string // replication slot name
}

// Source reads replication lines from the configured input. It is not safe
// for concurrent readers; the pipeline owns it from a single goroutine.
type Source struct {
	logger *slog.Logger
	buf    *bufio.Reader
	file   *os.File
	cmd    *exec.Cmd
}

// Open opens the configured input. A child process is started immediately
// and must be reaped with Close.
func Open(logger *slog.Logger, cfg Config) (*Source, error) {
	logger = logger.With("component", "source")

	switch cfg.Input {
	case "", InputStdin:
		logger.Info("reading from stdin")
		return &Source{logger: logger, buf: bufio.NewReader(os.Stdin)}, nil

	case InputChild:
		return openChild(logger, cfg)

	default:
		f, err := os.Open(cfg.Input)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		logger.Info("reading from file", "path", cfg.Input)
		return &Source{logger: logger, buf: bufio.NewReader(f), file: f}, nil
	}
}

func openChild(logger *slog.Logger, cfg Config) (*Source, error) {
	if cfg.ConnString == "" || cfg.Slot == "" {
		return nil, fmt.Errorf("pg_recvlogical input needs SOURCE_CONNECTION_STRING and REPLICATION_SLOT")
	}
	bin := cfg.Recvlogical
	if bin == "" {
		bin = "pg_recvlogical"
	}

	cmd := exec.Command(bin,
		"--create-slot",
		"--start",
		"--if-not-exists",
		"--fsync-interval=0",
		"--file=-",
		"--plugin=test_decoding",
		"--slot="+cfg.Slot,
		"--dbname="+cfg.ConnString,
	)
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pg_recvlogical stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pg_recvlogical: %w", err)
	}

	logger.Info("spawned pg_recvlogical", "pid", cmd.Process.Pid, "slot", cfg.Slot)
	return &Source{logger: logger, buf: bufio.NewReader(stdout), cmd: cmd}, nil
}

// Next returns the next line without its trailing newline. Lines have no
// length bound; a replicated row can carry many wide text columns. The
// final line of a file input is returned even without a terminator. io.EOF
// signals the end of input.
func (s *Source) Next() (string, error) {
	line, err := s.buf.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return line, nil
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Close releases the input. A child process gets an interrupt first, which
// pg_recvlogical treats as a clean exit, and is killed if it lingers.
func (s *Source) Close() error {
	switch {
	case s.cmd != nil:
		_ = s.cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case err := <-done:
			s.logger.Info("pg_recvlogical exited", "error", err)
		case <-time.After(5 * time.Second):
			s.logger.Warn("pg_recvlogical did not exit, killing")
			_ = s.cmd.Process.Kill()
			<-done
		}
		return nil

	case s.file != nil:
		return s.file.Close()

	default:
		return nil // stdin stays open
	}
}
