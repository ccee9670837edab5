package runner

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Process is a running instance of the measurement tool.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. A non-zero exit is reported through
	// the exit code, not the error.
	Wait() (int, error)
	// Terminate asks the process to stop and unblocks pending stdout reads.
	Terminate() error
}

type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type Launcher interface {
	Start(path string, args ...string) (Process, error)
	// Output runs a short-lived command to completion, bounded by ctx.
	Output(ctx context.Context, path string, args ...string) (CommandOutput, error)
}

const (
	outputWaitDelay = time.Second
	readBufferSize  = 64 * 1024
	// stderrLineLimit bounds each line kept in the stderr tail.
	stderrLineLimit = 4 * 1024
)

var _ Launcher = execLauncher{}

type execLauncher struct{}

func NewExecLauncher() Launcher {
	return execLauncher{}
}

func (execLauncher) Start(path string, args ...string) (Process, error) {
	cmd := exec.Command(path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", path)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (execLauncher) Output(ctx context.Context, path string, args ...string) (CommandOutput, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = outputWaitDelay

	err := cmd.Run()
	out := CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, errors.Wrapf(ctxErr, "%s did not finish", path)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

var _ Process = &execProcess{}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Stderr() io.Reader {
	return p.stderr
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, errors.Wrap(err, "failed to wait for process")
}

func (p *execProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	// Closing our end of stdout returns any blocked read immediately, whether
	// or not the process honours the signal.
	p.stdout.Close()
	if err != nil {
		return errors.Wrap(err, "failed to signal process")
	}
	return nil
}

// lineTail keeps the last limit lines written to it.
type lineTail struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newLineTail(limit int) *lineTail {
	return &lineTail{limit: limit}
}

func (t *lineTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// readLines calls fn with every line of r, without the line ending, until EOF,
// a read error, or fn returning false. Lines longer than limit are cut to limit
// bytes and reported as truncated; the rest of such a line is still consumed.
// The slice passed to fn is only valid for the duration of the call.
func readLines(r io.Reader, limit int, fn func(line []byte, truncated bool) bool) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	var (
		line      []byte
		truncated bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 || truncated {
				fn(line, truncated)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if room := limit - len(line); len(chunk) > room {
			line = append(line, chunk[:max(room, 0)]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}

		if !fn(line, truncated) {
			return nil
		}
		line = line[:0]
		truncated = false
	}
}

// drainStderr reads r to EOF so the process never blocks on a full stderr
// pipe, keeping the non-empty lines in tail.
func drainStderr(log *slog.Logger, runID string, r io.Reader, tail *lineTail) {
	err := readLines(r, stderrLineLimit, func(raw []byte, truncated bool) bool {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			return true
		}
		if truncated {
			line += "..."
		}
		log.Debug("speedtest stderr", "run_id", runID, "line", line, "truncated", truncated)
		tail.Add(line)
		return true
	})
	if err != nil {
		log.Debug("stopped reading speedtest stderr", "run_id", runID, "err", err)
	}
}
