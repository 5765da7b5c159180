package gdbstub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultExitGrace is how long Close waits for gdb to exit on request
// before killing it
const DefaultExitGrace = 2 * time.Second

// Transport executes one debugger command and returns its console output
// split into lines. Implementations are not safe for concurrent use.
type Transport interface {
	Exec(ctx context.Context, command string) ([]string, error)
	Close() error
}

// MITransport drives a gdb subprocess through its machine interface and
// runs plain CLI commands with -interpreter-exec.
type MITransport struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	quit     chan struct{}
	readDone chan struct{}
	logger   *zap.Logger

	// ExitGrace bounds the wait for gdb to honour -gdb-exit
	ExitGrace time.Duration

	mu     sync.Mutex
	broken error
	// wedged is set with broken and read without mu, so Close never waits
	// behind a command in flight
	wedged atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// StartMI launches gdb at path and waits for its first prompt
func StartMI(ctx context.Context, path string, logger *zap.Logger) (*MITransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(path, "--interpreter=mi2", "--nx", "--quiet")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: cannot start %s: %v", ErrConnection, path, err)
	}

	t := &MITransport{
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan string, 256),
		quit:      make(chan struct{}),
		readDone:  make(chan struct{}),
		logger:    logger,
		ExitGrace: DefaultExitGrace,
	}
	go t.readLoop(stdout)

	if _, err := t.await(ctx, ""); err != nil {
		t.markBroken(err)
		t.Close()
		return nil, err
	}

	logger.Debug("gdb started", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))
	return t, nil
}

// readLoop feeds t.lines until gdb closes stdout. Once Close starts it
// discards the rest so gdb never blocks on a full pipe.
func (t *MITransport) readLoop(r io.Reader) {
	defer close(t.readDone)
	defer close(t.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case t.lines <- scanner.Text():
		case <-t.quit:
			io.Copy(io.Discard, r)
			return
		}
	}
}

func (t *MITransport) markBroken(err error) error {
	t.broken = err
	t.wedged.Store(true)
	return err
}

// Exec runs command and collects its console stream
func (t *MITransport) Exec(ctx context.Context, command string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.broken != nil {
		return nil, t.broken
	}

	line := "-interpreter-exec console " + strconv.Quote(command) + "\n"
	if _, err := io.WriteString(t.stdin, line); err != nil {
		return nil, t.markBroken(fmt.Errorf("%w: %v", ErrConnection, err))
	}

	out, err := t.await(ctx, command)
	if err != nil {
		var cerr *CommandError
		if !errors.As(err, &cerr) {
			// the reply stream is out of step now
			t.markBroken(fmt.Errorf("%w: transport unusable after %q", ErrConnection, command))
		}
		return nil, err
	}
	return out, nil
}

// await consumes records up to and including the next prompt
func (t *MITransport) await(ctx context.Context, command string) ([]string, error) {
	var (
		console strings.Builder
		result  error
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return nil, fmt.Errorf("%w: gdb exited", ErrConnection)
			}

			rec := parseRecord(line)
			switch rec.kind {
			case recordPrompt:
				if result != nil {
					return nil, result
				}
				return splitConsole(console.String()), nil
			case recordConsole:
				console.WriteString(rec.payload)
			case recordLog:
				t.logger.Debug("gdb log", zap.String("text", strings.TrimSpace(rec.payload)))
			case recordResult:
				if rec.class == "error" {
					result = &CommandError{Command: command, Message: rec.message}
				}
			}
		}
	}
}

// Close asks gdb to exit and reaps it. A transport left mid-command, for
// example by a search deadline, is killed at once since gdb would finish
// the command first. Otherwise gdb gets ExitGrace to leave on its own.
func (t *MITransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.quit)

		killed := false
		if t.wedged.Load() {
			t.logger.Debug("killing gdb mid-command", zap.Int("pid", t.cmd.Process.Pid))
			t.cmd.Process.Kill()
			killed = true
		} else {
			io.WriteString(t.stdin, "-gdb-exit\n")
		}
		t.stdin.Close()

		grace := time.NewTimer(t.ExitGrace)
		defer grace.Stop()
		select {
		case <-t.readDone:
		case <-grace.C:
			if !killed {
				t.logger.Warn("gdb did not exit, killing it", zap.Duration("grace", t.ExitGrace))
				t.cmd.Process.Kill()
				killed = true
			}
			// a stray child may still hold stdout; Wait closes our end
			select {
			case <-t.readDone:
			case <-time.After(time.Second):
			}
		}

		err := t.cmd.Wait()
		if !killed {
			t.closeErr = err
		}
	})
	return t.closeErr
}

type recordKind int

const (
	recordOther recordKind = iota
	recordPrompt
	recordConsole
	recordLog
	recordResult
)

type record struct {
	kind    recordKind
	class   string
	payload string
	message string
}

// parseRecord classifies one line of machine-interface output. Only the
// parts needed for console commands are decoded.
func parseRecord(line string) record {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "(gdb)" {
		return record{kind: recordPrompt}
	}

	// optional numeric token before the record type
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i >= len(line) {
		return record{}
	}
	body := line[i+1:]

	switch line[i] {
	case '~':
		return record{kind: recordConsole, payload: unquoteC(body)}
	case '&':
		return record{kind: recordLog, payload: unquoteC(body)}
	case '^':
		class, rest, _ := strings.Cut(body, ",")
		r := record{kind: recordResult, class: class}
		if msg, ok := strings.CutPrefix(rest, "msg="); ok {
			r.message = NormalizeString(msg)
		}
		return r
	}
	return record{}
}

func unquoteC(s string) string {
	if v, err := strconv.Unquote(s); err == nil {
		return v
	}
	return strings.Trim(s, `"`)
}

func splitConsole(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
