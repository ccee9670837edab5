package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/SkylerRankin/speedtest_gui/internal/dispatch"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/chelnak/ysmrr"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

// Console renders the events of a single run in a terminal. It finishes on
// the first completed or error event.
type Console interface {
	dispatch.Handler
	// Wait blocks until the run finishes. A failed run is returned as an
	// error carrying the user-facing message.
	Wait(context.Context) error
}

// IsInteractive reports whether f is a terminal that can draw a spinner.
func IsInteractive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var _ Console = &console{}

type console struct {
	log         *slog.Logger
	out         io.Writer
	interactive bool

	heading *color.Color
	failure *color.Color

	spinnerMutex sync.Mutex
	manager      ysmrr.SpinnerManager
	spinner      *ysmrr.Spinner

	// Touched only from the dispatcher goroutine.
	phase    types.Phase
	message  string
	fraction float64
	mbps     float64

	once   sync.Once
	done   chan struct{}
	result error
}

func NewConsole(log *slog.Logger, out io.Writer, interactive bool) Console {
	c := &console{
		log:         log,
		out:         out,
		interactive: interactive,
		heading:     color.New(color.FgCyan, color.Bold),
		failure:     color.New(color.FgRed, color.Bold),
		done:        make(chan struct{}),
	}
	if !interactive {
		c.heading.DisableColor()
		c.failure.DisableColor()
	}
	return c
}

func (c *console) OnProgress(event types.Event) {
	switch event.Phase {
	case types.PhaseDownloadRaw, types.PhaseUploadRaw:
		c.mbps = event.Value
	case types.PhaseDownload, types.PhaseUpload, types.PhasePing:
		c.fraction = event.Value
	default:
		c.fraction = 0
	}

	changed := event.Phase != c.phase && !isRaw(event.Phase)
	if !isRaw(event.Phase) {
		if changed {
			c.mbps = 0
		}
		c.phase = event.Phase
		c.message = event.Message
	}

	if c.interactive {
		c.spin(c.status())
		return
	}
	if changed {
		fmt.Fprintln(c.out, event.Message)
	}
}

func (c *console) OnCompleted(event types.Event) {
	c.stopSpinner(true, "Speedtest complete")
	if event.Result != nil {
		c.heading.Fprintln(c.out, "Results")
		WriteResult(c.out, *event.Result)
	}
	c.finish(nil)
}

func (c *console) OnError(event types.Event) {
	c.log.Debug("measurement failed", "run_id", event.RunID, "message", event.Message)
	c.stopSpinner(false, event.Message)
	c.failure.Fprintln(c.out, event.Message)
	c.finish(errors.New(event.Message))
}

func (c *console) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		c.stopSpinner(false, "Cancelled")
		return ctx.Err()
	case <-c.done:
		return c.result
	}
}

func (c *console) finish(err error) {
	c.once.Do(func() {
		c.result = err
		close(c.done)
	})
}

// status is the spinner line for the current progress.
func (c *console) status() string {
	var b strings.Builder
	b.WriteString(c.message)
	switch c.phase {
	case types.PhaseDownload, types.PhaseUpload:
		fmt.Fprintf(&b, " %3.0f%%", c.fraction*100)
		if c.mbps > 0 {
			b.WriteString("  ")
			b.WriteString(FormatRate(c.mbps))
		}
	}
	return b.String()
}

func (c *console) spin(message string) {
	c.spinnerMutex.Lock()
	defer c.spinnerMutex.Unlock()

	if c.manager == nil {
		c.manager = ysmrr.NewSpinnerManager(ysmrr.WithWriter(c.out))
		c.spinner = c.manager.AddSpinner(message)
		c.manager.Start()
		return
	}
	c.spinner.UpdateMessage(message)
}

func (c *console) stopSpinner(ok bool, message string) {
	c.spinnerMutex.Lock()
	defer c.spinnerMutex.Unlock()

	if c.manager == nil {
		return
	}
	if ok {
		c.spinner.CompleteWithMessage(message)
	} else {
		c.spinner.ErrorWithMessage(message)
	}
	c.manager.Stop()
	c.manager = nil
	c.spinner = nil
}

func isRaw(phase types.Phase) bool {
	return phase == types.PhaseDownloadRaw || phase == types.PhaseUploadRaw
}

// FormatRate renders a Mbps figure with an SI prefix, e.g. "93.8 Mbps".
func FormatRate(mbps float64) string {
	return humanize.SIWithDigits(mbps*1e6, 1, "bps")
}
