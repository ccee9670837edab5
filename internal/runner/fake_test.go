package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcess is driven by the test through its write ends.
type fakeProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exit       chan int
	exitOnce   sync.Once
	terminated atomic.Int32

	// stubborn processes ignore Terminate apart from losing their stdout.
	stubborn     bool
	terminateErr error
}

func newFakeProcess() *fakeProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &fakeProcess{
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		exit:    make(chan int, 1),
	}
}

// scriptedProcess writes the given output and then exits with code.
func scriptedProcess(stdout, stderr []string, code int) *fakeProcess {
	p := newFakeProcess()
	go func() {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, line := range stderr {
				if _, err := io.WriteString(p.stderrW, line+"\n"); err != nil {
					return
				}
			}
		}()
		for _, line := range stdout {
			if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
				break
			}
		}
		wg.Wait()
		p.exitWith(code)
	}()
	return p
}

func (p *fakeProcess) writeLine(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

func (p *fakeProcess) exitWith(code int) {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exit <- code
	})
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	p.stdoutR.CloseWithError(errors.New("read |0: file already closed"))
	if !p.stubborn {
		p.exitWith(-1)
	}
	return p.terminateErr
}

type fakeLauncher struct {
	mu sync.Mutex

	probe      CommandOutput
	probeErr   error
	probeBlock bool
	startErr   error
	processes  []*fakeProcess

	probes     int
	starts     int
	startPaths []string
	startArgs  [][]string
}

func (l *fakeLauncher) Output(ctx context.Context, path string, args ...string) (CommandOutput, error) {
	l.mu.Lock()
	l.probes++
	block, out, err := l.probeBlock, l.probe, l.probeErr
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return CommandOutput{}, errors.Wrapf(ctx.Err(), "%s did not finish", path)
	}
	return out, err
}

func (l *fakeLauncher) Start(path string, args ...string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.starts++
	l.startPaths = append(l.startPaths, path)
	l.startArgs = append(l.startArgs, args)
	if l.startErr != nil {
		return nil, l.startErr
	}
	if len(l.processes) == 0 {
		return nil, errors.New("no fake process queued")
	}
	p := l.processes[0]
	l.processes = l.processes[1:]
	return p, nil
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []types.Event
}

func (e *recordingEmitter) Emit(event types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) snapshot() []types.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Event(nil), e.events...)
}

func (e *recordingEmitter) ofKind(kind types.EventKind) []types.Event {
	var out []types.Event
	for _, ev := range e.snapshot() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEmitter) withPhase(phase types.Phase) []types.Event {
	var out []types.Event
	for _, ev := range e.snapshot() {
		if ev.Kind == types.EventProgress && ev.Phase == phase {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRunner(launcher *fakeLauncher, emitter Emitter) Runner {
	return NewRunner(testLogger(), emitter, Options{
		Resolver:     Resolver{Primary: "/opt/speedtest/speedtest"},
		Launcher:     launcher,
		ProbeTimeout: time.Second,
		Now:          func() time.Time { return time.UnixMilli(1700000000000) },
	})
}
