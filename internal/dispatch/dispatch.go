package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/SkylerRankin/speedtest_gui/internal/types"
)

// Handler receives events on the dispatcher's Listen goroutine. Handlers must
// not block for long; anything slow belongs on the handler's own goroutine.
type Handler interface {
	OnProgress(types.Event)
	OnCompleted(types.Event)
	OnError(types.Event)
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Progress  func(types.Event)
	Completed func(types.Event)
	Error     func(types.Event)
}

func (h HandlerFuncs) OnProgress(e types.Event) {
	if h.Progress != nil {
		h.Progress(e)
	}
}

func (h HandlerFuncs) OnCompleted(e types.Event) {
	if h.Completed != nil {
		h.Completed(e)
	}
}

func (h HandlerFuncs) OnError(e types.Event) {
	if h.Error != nil {
		h.Error(e)
	}
}

type Dispatcher interface {
	// Emit queues an event for delivery and returns immediately.
	Emit(types.Event)
	Subscribe(Handler) (unsubscribe func())
	// Listen delivers queued events in order until ctx is done, then flushes
	// whatever was already queued.
	Listen(context.Context)
}

var _ Dispatcher = &dispatcher{}

type subscription struct {
	handler Handler
}

type dispatcher struct {
	log *slog.Logger

	queueMutex sync.Mutex
	queue      []types.Event
	notify     chan struct{}

	handlersMutex sync.Mutex
	handlers      []*subscription
}

func NewDispatcher(log *slog.Logger) Dispatcher {
	return &dispatcher{
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

func (d *dispatcher) Emit(event types.Event) {
	d.queueMutex.Lock()
	d.queue = append(d.queue, event)
	d.queueMutex.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
		// Listen has a wakeup pending and will pick this event up with the rest.
	}
}

func (d *dispatcher) Subscribe(handler Handler) func() {
	sub := &subscription{handler: handler}

	d.handlersMutex.Lock()
	d.handlers = append(d.handlers, sub)
	d.handlersMutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.handlersMutex.Lock()
			defer d.handlersMutex.Unlock()
			for i, s := range d.handlers {
				if s == sub {
					d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *dispatcher) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case <-d.notify:
			d.flush()
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.queueMutex.Lock()
		batch := d.queue
		d.queue = nil
		d.queueMutex.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			d.deliver(event)
		}
	}
}

func (d *dispatcher) deliver(event types.Event) {
	d.handlersMutex.Lock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, s := range d.handlers {
		handlers = append(handlers, s.handler)
	}
	d.handlersMutex.Unlock()

	for _, h := range handlers {
		switch event.Kind {
		case types.EventProgress:
			h.OnProgress(event)
		case types.EventCompleted:
			h.OnCompleted(event)
		case types.EventError:
			h.OnError(event)
		default:
			d.log.Warn("dropping event of unknown kind", "kind", event.Kind, "run_id", event.RunID)
		}
	}
}
