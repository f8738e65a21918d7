// Package worker assembles one isolated worker: its inbox router, its
// pending-call table and the repositories it serves.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"workerbus/internal/bus"
	"workerbus/internal/domain"
	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
	"workerbus/internal/repository"
	"workerbus/internal/rpc"
)

type Options struct {
	MaxInFlight int
	CallTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Collector
}

type Worker struct {
	ID     domain.WorkerID
	Router *Router
	Caller *rpc.Caller
	Server *rpc.Server
	Repos  *repository.Registry

	bus    *bus.Bus
	logger zerolog.Logger
}

// New attaches id to b and wires the request/response plumbing. Callers add
// repositories and extra handlers before Run.
func New(id domain.WorkerID, b *bus.Bus, opts Options) (*Worker, error) {
	inbox, err := b.Attach(id)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With().Str("worker", string(id)).Logger()

	w := &Worker{
		ID:     id,
		Router: NewRouter(id, inbox, opts.MaxInFlight, logger, opts.Metrics),
		Caller: rpc.NewCaller(id, b,
			rpc.WithTimeout(opts.CallTimeout),
			rpc.WithLogger(logger),
			rpc.WithMetrics(opts.Metrics)),
		Repos:  repository.NewRegistry(),
		bus:    b,
		logger: logger,
	}
	w.Server = rpc.NewServer(id, b, w.Repos.Dispatch, logger)

	w.Router.HandleInline(envelope.KindResponse, w.Caller.HandleResponse)
	w.Router.Handle(envelope.KindRequest, w.Server.HandleRequest)
	w.Router.OnUnroutable(w.Server.Reject)
	return w, nil
}

// Send puts env on the bus with this worker as sender.
func (w *Worker) Send(ctx context.Context, env envelope.Envelope) error {
	env.From = w.ID
	return w.bus.Send(ctx, env)
}

func (w *Worker) Logger() zerolog.Logger { return w.logger }

// Run blocks until ctx is done. Pending calls are rejected on the way out.
func (w *Worker) Run(ctx context.Context) {
	w.Router.Run(ctx)
	w.Caller.Close()
}
