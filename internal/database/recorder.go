package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/dispatch"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
)

const (
	recorderBufferSize = 16
	insertTimeout      = 5 * time.Second
)

// Recorder persists completed measurements. Its handler methods run on the
// dispatcher goroutine, so inserts happen on the recorder's own Listen loop.
type Recorder interface {
	dispatch.Handler
	Listen(context.Context)
}

var _ Recorder = &recorder{}

type recorder struct {
	dispatch.HandlerFuncs
	log      *slog.Logger
	database Database
	results  chan types.MeasurementResult
}

func NewRecorder(log *slog.Logger, database Database) Recorder {
	r := &recorder{
		log:      log,
		database: database,
		results:  make(chan types.MeasurementResult, recorderBufferSize),
	}
	r.HandlerFuncs = dispatch.HandlerFuncs{Completed: r.onCompleted}
	return r
}

func (r *recorder) onCompleted(event types.Event) {
	if event.Result == nil {
		return
	}

	select {
	case r.results <- *event.Result:
	default:
		r.log.Warn("dropping result, recorder is backed up", "run_id", event.RunID)
	}
}

func (r *recorder) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Results already handed over are still written.
			for {
				select {
				case result := <-r.results:
					r.insert(ctx, result)
				default:
					return
				}
			}
		case result := <-r.results:
			r.insert(ctx, result)
		}
	}
}

// insert ignores cancellation of ctx and is bounded by insertTimeout instead.
func (r *recorder) insert(ctx context.Context, result types.MeasurementResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
	defer cancel()

	if err := r.database.InsertResult(ctx, &result); err != nil {
		r.log.Error("failed to record result", "run_id", result.RunID, "err", err)
		return
	}
	r.log.Info("recorded result", "run_id", result.RunID, "download_mbps", result.DownloadMbps, "upload_mbps", result.UploadMbps)
}
