package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/constants"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const maxLineSize = 1 << 20

var (
	ErrProbeFailed  = errors.New("speedtest capability probe failed")
	ErrResultParse  = errors.New("speedtest result could not be parsed")
	ErrAbnormalExit = errors.New("speedtest exited abnormally")
	ErrUnexpected   = errors.New("unexpected speedtest failure")
)

// Failure carries the message shown to the user alongside the failure class.
type Failure struct {
	Kind    error
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Kind
}

func unexpected(err error) *Failure {
	return &Failure{Kind: ErrUnexpected, Message: fmt.Sprintf("Unexpected error: %v", err), Err: err}
}

// Emitter receives the events of every run. Emit must not block.
type Emitter interface {
	Emit(types.Event)
}

type Runner interface {
	// Start begins a measurement unless one is already in flight.
	Start() (runID string, started bool)
	// Cancel stops the measurement in flight, if any. No further events of
	// the cancelled run are emitted once Cancel returns.
	Cancel()
	State() types.RunState
}

type Options struct {
	Resolver        Resolver
	Launcher        Launcher
	ProbeTimeout    time.Duration
	StderrTailLines int
	Now             func() time.Time
	NewRunID        func() string
}

func (o *Options) setDefaults() {
	if o.Resolver.Primary == "" && len(o.Resolver.Fallbacks) == 0 && o.Resolver.Command == "" {
		o.Resolver = Resolver{
			Primary:   constants.PrimaryBinaryPath,
			Fallbacks: constants.FallbackBinaryPaths,
			Command:   constants.BinaryCommand,
		}
	}
	if o.Launcher == nil {
		o.Launcher = NewExecLauncher()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = constants.ProbeTimeout
	}
	if o.StderrTailLines <= 0 {
		o.StderrTailLines = constants.StderrTailLines
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewRunID == nil {
		o.NewRunID = uuid.NewString
	}
}

var _ Runner = &runner{}

type runner struct {
	log     *slog.Logger
	emitter Emitter
	opts    Options

	mu      sync.Mutex
	state   types.RunState
	current *run
}

// run is the state of one measurement, shared between its worker and Cancel.
type run struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	// mu orders emits against cancellation and guards process.
	mu      sync.Mutex
	process Process
}

// attach records the process, or terminates it if the run was cancelled
// while it was starting.
func (rn *run) attach(p Process) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	if rn.cancelled.Load() {
		_ = p.Terminate()
		return false
	}
	rn.process = p
	return true
}

func (rn *run) markCancelled() Process {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	rn.cancelled.Store(true)
	rn.cancel()
	return rn.process
}

func NewRunner(log *slog.Logger, emitter Emitter, opts Options) Runner {
	opts.setDefaults()
	return &runner{
		log:     log,
		emitter: emitter,
		opts:    opts,
		state:   types.StateIdle,
	}
}

func (r *runner) State() types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) Start() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.StateIdle {
		r.log.Debug("ignoring start, measurement in flight", "state", r.state)
		return "", false
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{id: r.opts.NewRunID(), ctx: ctx, cancel: cancel}
	r.current = rn
	r.state = types.StateRunning

	r.log.Info("starting speedtest", "run_id", rn.id)
	go r.work(rn)

	return rn.id, true
}

func (r *runner) Cancel() {
	r.mu.Lock()
	if r.state != types.StateRunning {
		r.mu.Unlock()
		return
	}
	rn := r.current
	r.state = types.StateCancelling
	r.mu.Unlock()

	r.log.Info("cancelling speedtest", "run_id", rn.id)
	if p := rn.markCancelled(); p != nil {
		if err := p.Terminate(); err != nil {
			r.log.Info("failed to terminate speedtest process", "run_id", rn.id, "err", err)
		}
	}

	r.release(rn)
}

// release returns the runner to idle if rn is still the current run.
func (r *runner) release(rn *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == rn {
		r.current = nil
		r.state = types.StateIdle
	}
}

func (r *runner) emit(rn *run, event types.Event) {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	if rn.cancelled.Load() {
		return
	}
	r.emitter.Emit(event)
}

// work runs on its own goroutine for the lifetime of one run. The terminal
// event is emitted after the runner is idle again so that a UI reacting to it
// can start the next run straight away.
func (r *runner) work(rn *run) {
	result, err := r.measureSafely(rn)

	r.release(rn)
	rn.cancel()
	rn.mu.Lock()
	rn.process = nil
	rn.mu.Unlock()

	if rn.cancelled.Load() {
		r.log.Info("speedtest cancelled", "run_id", rn.id)
		return
	}

	if err != nil {
		var failure *Failure
		if !errors.As(err, &failure) {
			failure = unexpected(err)
		}
		r.log.Error("speedtest failed", "run_id", rn.id, "err", failure.Message)
		r.emit(rn, types.NewError(rn.id, failure.Message))
		return
	}

	if result != nil {
		r.log.Info("speedtest completed", "run_id", rn.id, "download_mbps", result.DownloadMbps, "upload_mbps", result.UploadMbps)
		r.emit(rn, types.NewCompleted(rn.id, *result))
		return
	}

	r.log.Info("speedtest finished without a result", "run_id", rn.id)
}

func (r *runner) measureSafely(rn *run) (result *types.MeasurementResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = unexpected(errors.Errorf("%v", p))
		}
	}()
	return r.measure(rn)
}

func (r *runner) measure(rn *run) (*types.MeasurementResult, error) {
	r.emit(rn, types.NewProgress(rn.id, types.PhaseInit, 0.1, "Finding optimal server..."))

	path, found := r.opts.Resolver.Resolve()
	r.log.Info("using speedtest binary", "run_id", rn.id, "path", path, "found", found)

	if err := r.probe(rn, path); err != nil {
		return nil, err
	}

	proc, err := r.opts.Launcher.Start(path, constants.RunArgs...)
	if err != nil {
		return nil, unexpected(err)
	}
	if !rn.attach(proc) {
		return nil, nil
	}

	tail := newLineTail(r.opts.StderrTailLines)
	var stderrGroup errgroup.Group
	stderrGroup.Go(func() error {
		drainStderr(r.log, rn.id, proc.Stderr(), tail)
		return nil
	})

	parser := newStreamParser(rn.id)
	resultLine, readErr := r.readProgress(rn, parser, proc.Stdout())

	if rn.cancelled.Load() {
		// The cancel path owns shutdown; only reap the process.
		go r.reap(rn.id, proc, &stderrGroup)
		return nil, nil
	}
	if readErr != nil {
		if err := proc.Terminate(); err != nil {
			r.log.Info("failed to terminate speedtest process", "run_id", rn.id, "err", err)
		}
		go r.reap(rn.id, proc, &stderrGroup)
		return nil, unexpected(readErr)
	}

	var (
		result    *types.MeasurementResult
		resultErr error
	)
	if resultLine != nil {
		res, err := parser.Result(resultLine, r.opts.Now())
		if err != nil {
			resultErr = &Failure{
				Kind:    ErrResultParse,
				Message: fmt.Sprintf("Failed to parse speedtest results: %v", err),
				Err:     err,
			}
		} else {
			result = &res
		}
	}

	_ = stderrGroup.Wait()
	code, err := proc.Wait()
	if rn.cancelled.Load() {
		return nil, nil
	}
	if resultErr != nil {
		return nil, resultErr
	}
	if err != nil {
		if result != nil {
			r.log.Info("speedtest result captured but wait failed", "run_id", rn.id, "err", err)
			return result, nil
		}
		return nil, unexpected(err)
	}

	r.log.Debug("speedtest exited", "run_id", rn.id, "exit_code", code)
	if code != 0 && resultLine == nil {
		return nil, &Failure{
			Kind:    ErrAbnormalExit,
			Message: fmt.Sprintf("Speedtest failed with code %d: %s", code, tail.String()),
		}
	}

	return result, nil
}

func (r *runner) probe(rn *run, path string) error {
	ctx, cancel := context.WithTimeout(rn.ctx, r.opts.ProbeTimeout)
	defer cancel()

	out, err := r.opts.Launcher.Output(ctx, path, constants.ProbeArgs...)
	if err != nil {
		return &Failure{
			Kind:    ErrProbeFailed,
			Message: fmt.Sprintf("Failed to run speedtest command: %v", err),
			Err:     err,
		}
	}

	r.log.Debug("speedtest version probe",
		"run_id", rn.id,
		"exit_code", out.ExitCode,
		"stdout", strings.TrimSpace(out.Stdout),
		"stderr", strings.TrimSpace(out.Stderr),
	)

	if out.ExitCode != 0 {
		return &Failure{
			Kind:    ErrProbeFailed,
			Message: fmt.Sprintf("Speedtest CLI not working properly: %s", strings.TrimSpace(out.Stderr)),
		}
	}
	return nil
}

// readProgress consumes stdout until EOF or cancellation and returns the raw
// result line, if one was seen. Lines over maxLineSize are skipped.
func (r *runner) readProgress(rn *run, parser *streamParser, stdout io.Reader) ([]byte, error) {
	var resultLine []byte
	err := readLines(stdout, maxLineSize, func(raw []byte, truncated bool) bool {
		if rn.cancelled.Load() {
			return false
		}
		if truncated {
			r.log.Warn("skipping oversized speedtest output line", "run_id", rn.id, "limit", maxLineSize)
			return true
		}

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			return true
		}
		r.log.Debug("speedtest stdout", "run_id", rn.id, "line", string(line))

		events, isResult := parser.Parse(line)
		if isResult {
			resultLine = append([]byte(nil), line...)
			return true
		}
		for _, e := range events {
			r.emit(rn, e)
		}
		return true
	})

	if rn.cancelled.Load() {
		return resultLine, nil
	}
	if err != nil {
		return resultLine, errors.Wrap(err, "failed to read speedtest output")
	}
	return resultLine, nil
}

func (r *runner) reap(runID string, proc Process, stderrGroup *errgroup.Group) {
	_ = stderrGroup.Wait()
	code, err := proc.Wait()
	r.log.Debug("reaped speedtest process", "run_id", runID, "exit_code", code, "err", err)
}
