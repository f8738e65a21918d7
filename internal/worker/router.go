package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"workerbus/internal/clients"
	"workerbus/internal/domain"
	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
	"workerbus/internal/rpc"
)

// ErrStopped is returned for work handed to a router that is shutting down.
var ErrStopped = errors.New("router stopped")

// BackendHandler handles an envelope sent by another worker.
type BackendHandler func(ctx context.Context, env envelope.Envelope) error

// FrontendHandler handles a frame sent by a live client. The result is sent
// back to that client as the reply to the frame's request id.
type FrontendHandler func(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error)

// Replier answers client frames. *clients.Registry satisfies it.
type Replier interface {
	Respond(requestID string, c *clients.Client, payload any) error
	Reject(requestID string, c *clients.Client, err error) error
}

// Router owns one worker's inbox and its two handler tables.
type Router struct {
	id    domain.WorkerID
	inbox <-chan envelope.Envelope

	backend    map[string]BackendHandler
	inline     map[string]bool
	frontend   map[string]FrontendHandler
	replier    Replier
	unroutable func(ctx context.Context, env envelope.Envelope, err error)

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopping bool
	done     chan struct{}

	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewRouter(id domain.WorkerID, inbox <-chan envelope.Envelope, maxInFlight int, logger zerolog.Logger, m *metrics.Collector) *Router {
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	return &Router{
		id:       id,
		inbox:    inbox,
		backend:  make(map[string]BackendHandler),
		inline:   make(map[string]bool),
		frontend: make(map[string]FrontendHandler),
		sem:      make(chan struct{}, maxInFlight),
		done:     make(chan struct{}),
		logger:   logger,
		metrics:  m,
	}
}

// Handle registers the handler for envelopes of kind sent by other workers.
// Each runs on its own goroutine. Registering a kind twice panics.
func (r *Router) Handle(kind string, h BackendHandler) {
	if _, dup := r.backend[kind]; dup {
		panic(fmt.Sprintf("worker %s: handler for kind %q registered twice", r.id, kind))
	}
	r.backend[kind] = h
}

// HandleInline registers a handler that runs on the router goroutine. It must
// not block.
func (r *Router) HandleInline(kind string, h BackendHandler) {
	r.Handle(kind, h)
	r.inline[kind] = true
}

// HandleFrontend registers the handler for client frames of type kind.
func (r *Router) HandleFrontend(kind string, h FrontendHandler) {
	if _, dup := r.frontend[kind]; dup {
		panic(fmt.Sprintf("worker %s: frontend handler for %q registered twice", r.id, kind))
	}
	r.frontend[kind] = h
}

func (r *Router) SetReplier(rp Replier) { r.replier = rp }

// OnUnroutable installs the hook called for envelopes of an unknown kind.
func (r *Router) OnUnroutable(fn func(ctx context.Context, env envelope.Envelope, err error)) {
	r.unroutable = fn
}

// Run pumps the inbox until ctx is done, then waits for in-flight handlers.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info().Int("max_in_flight", cap(r.sem)).Msg("router started")
	defer r.logger.Info().Msg("router stopped")

	for {
		select {
		case <-ctx.Done():
			r.stop()
			r.wg.Wait()
			return
		case env := <-r.inbox:
			if err := r.Dispatch(ctx, env); err != nil {
				r.logger.Error().Err(err).
					Str("from", string(env.From)).
					Str("to", string(env.To)).
					Str("kind", env.Kind).
					Msg("envelope not routed")
			}
		}
	}
}

// Dispatch hands env to the handler for its kind.
func (r *Router) Dispatch(ctx context.Context, env envelope.Envelope) error {
	h, ok := r.backend[env.Kind]
	if !ok {
		err := fmt.Errorf("%w: %q on worker %s", rpc.ErrUnroutable, env.Kind, r.id)
		r.metrics.EnvelopeUnroutable(string(r.id), env.Kind)
		if r.unroutable != nil {
			r.unroutable(ctx, env, err)
		}
		return err
	}
	r.metrics.EnvelopeRouted(string(r.id), env.Kind)

	if r.inline[env.Kind] {
		r.runBackend(ctx, h, env)
		return nil
	}
	return r.spawn(ctx, func() { r.runBackend(ctx, h, env) }, func(err error) {
		r.logger.Warn().Err(err).Str("from", string(env.From)).Str("kind", env.Kind).Msg("envelope dropped")
	})
}

// DispatchFrontend decodes a client frame and runs its handler. Every frame
// carrying a request id gets exactly one reply.
func (r *Router) DispatchFrontend(ctx context.Context, c *clients.Client, raw json.RawMessage) error {
	var msg envelope.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode client frame: %w", err)
	}

	h, ok := r.frontend[msg.Type]
	if !ok {
		err := fmt.Errorf("%w: %q", rpc.ErrUnroutable, msg.Type)
		r.metrics.EnvelopeUnroutable(string(r.id), msg.Type)
		r.reply(msg, c, nil, err)
		return err
	}
	r.metrics.EnvelopeRouted(string(r.id), msg.Type)

	err := r.spawn(ctx, func() {
		var (
			result any
			err    error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Str("type", msg.Type).Msg("frontend handler panicked")
					err = fmt.Errorf("internal error in %s", msg.Type)
				}
			}()
			result, err = h(ctx, c, msg)
		}()
		r.reply(msg, c, result, err)
	}, func(err error) {
		r.reply(msg, c, nil, err)
	})
	if err != nil {
		r.reply(msg, c, nil, err)
	}
	return err
}

func (r *Router) reply(msg envelope.ClientMessage, c *clients.Client, result any, err error) {
	if r.replier == nil || msg.RequestID == "" {
		return
	}
	var sendErr error
	if err != nil {
		r.logger.Debug().Err(err).Str("type", msg.Type).Str("conn_id", c.ID).Msg("client request failed")
		sendErr = r.replier.Reject(msg.RequestID, c, err)
	} else {
		sendErr = r.replier.Respond(msg.RequestID, c, result)
	}
	if sendErr != nil {
		r.logger.Debug().Err(sendErr).Str("conn_id", c.ID).Msg("reply to client failed")
	}
}

// spawn runs fn on its own goroutine once an in-flight slot is free. The
// router goroutine never waits for a slot, so responses keep resolving while
// every slot is held by a handler awaiting a call. abandon is called instead
// of fn when the slot wait ends first.
func (r *Router) spawn(ctx context.Context, fn func(), abandon func(error)) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			abandon(ctx.Err())
			return
		case <-r.done:
			abandon(ErrStopped)
			return
		}
		defer func() { <-r.sem }()
		fn()
	}()
	return nil
}

func (r *Router) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopping {
		r.stopping = true
		close(r.done)
	}
}

func (r *Router) runBackend(ctx context.Context, h BackendHandler, env envelope.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("from", string(env.From)).Str("kind", env.Kind).Msg("handler panicked")
		}
	}()
	if err := h(ctx, env); err != nil {
		r.logger.Error().Err(err).Str("from", string(env.From)).Str("kind", env.Kind).Msg("handler failed")
	}
}
