// Package rpc turns one-way envelopes into awaitable calls between workers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"workerbus/internal/domain"
	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
)

// Sender moves an envelope to another worker.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) error
}

// Caller owns the pending-call table of one worker. A requestID is a live key
// at most once; whoever removes it from the table settles its future.
type Caller struct {
	self    domain.WorkerID
	sender  Sender
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]*Future
	closed  bool
}

type Option func(*Caller)

// WithTimeout rejects calls that get no response within d. Zero disables it.
func WithTimeout(d time.Duration) Option { return func(c *Caller) { c.timeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(c *Caller) { c.logger = l } }

func WithMetrics(m *metrics.Collector) Option { return func(c *Caller) { c.metrics = m } }

func NewCaller(self domain.WorkerID, sender Sender, opts ...Option) *Caller {
	c := &Caller{
		self:    self,
		sender:  sender,
		logger:  zerolog.Nop(),
		pending: make(map[string]*Future),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Future is the caller side of one outstanding request.
type Future struct {
	ID     string
	target domain.WorkerID
	op     string
	done   chan struct{}
	data   json.RawMessage
	err    error
	timer  *time.Timer
	caller *Caller
}

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the response arrives, the call times out, or ctx ends.
// Ending ctx evicts the pending entry.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		f.caller.reject(f.ID, ctx.Err(), "cancelled")
		<-f.done
		return f.data, f.err
	}
}

// Go issues a request and returns without waiting for the response.
func (c *Caller) Go(ctx context.Context, target domain.WorkerID, scope, name string, args any) (*Future, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s.%s: %w", scope, name, err)
	}

	f := &Future{
		ID:     uuid.NewString(),
		target: target,
		op:     scope + "." + name,
		done:   make(chan struct{}),
		caller: c,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[f.ID] = f
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(string(c.self), n)

	env, err := envelope.New(c.self, target, envelope.KindRequest, envelope.Request{
		RequestID: f.ID,
		From:      c.self,
		Data:      envelope.Operation{Name: scope, Key: name, Data: raw},
	})
	if err == nil {
		err = c.sender.Send(ctx, env)
	}
	if err != nil {
		c.take(f.ID)
		c.metrics.CallFinished(string(target), "send_error")
		return nil, fmt.Errorf("send %s to %s: %w", f.op, target, err)
	}

	if c.timeout > 0 {
		c.mu.Lock()
		if _, live := c.pending[f.ID]; live {
			f.timer = time.AfterFunc(c.timeout, func() {
				c.reject(f.ID, ErrCallTimeout, "timeout")
			})
		}
		c.mu.Unlock()
	}
	return f, nil
}

// Call issues a request and waits for its result.
func (c *Caller) Call(ctx context.Context, target domain.WorkerID, scope, name string, args any) (json.RawMessage, error) {
	f, err := c.Go(ctx, target, scope, name, args)
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}

// Resolve settles the pending call matching resp. It reports false for an
// orphan response (unknown or already settled id), which is dropped.
func (c *Caller) Resolve(from domain.WorkerID, resp envelope.Response) bool {
	f := c.take(resp.ForRequestID)
	if f == nil {
		c.metrics.OrphanResponse(string(c.self))
		c.logger.Debug().
			Str("request_id", resp.ForRequestID).
			Str("from", string(from)).
			Msg("dropping orphan response")
		return false
	}

	if resp.Failed() {
		f.err = &RemoteError{Worker: string(from), Code: resp.ErrorCode, Message: *resp.ErrorMessage}
		c.metrics.CallFinished(string(f.target), "remote_error")
	} else {
		f.data = resp.Data
		c.metrics.CallFinished(string(f.target), "ok")
	}
	close(f.done)
	return true
}

// HandleResponse is the router handler for response envelopes.
func (c *Caller) HandleResponse(_ context.Context, env envelope.Envelope) error {
	var resp envelope.Response
	if err := env.Decode(&resp); err != nil {
		return err
	}
	c.Resolve(env.From, resp)
	return nil
}

// Pending reports the number of outstanding calls.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every outstanding call with ErrClosed and refuses new ones.
func (c *Caller) Close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.reject(id, ErrClosed, "closed")
	}
}

func (c *Caller) reject(id string, err error, outcome string) {
	f := c.take(id)
	if f == nil {
		return
	}
	if errors.Is(err, ErrCallTimeout) {
		c.logger.Warn().Str("request_id", id).Str("op", f.op).Str("target", string(f.target)).Msg("call timed out")
	}
	f.err = fmt.Errorf("%s on %s: %w", f.op, f.target, err)
	c.metrics.CallFinished(string(f.target), outcome)
	close(f.done)
}

// take removes id from the table. Only the goroutine that gets a non-nil
// future back may settle it.
func (c *Caller) take(id string) *Future {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if f.timer != nil {
			f.timer.Stop()
		}
	}
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.metrics.SetPending(string(c.self), n)
	return f
}
