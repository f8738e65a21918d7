// Package bus is the in-process transport between workers: one bounded inbox
// per named worker.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"workerbus/internal/domain"
	"workerbus/internal/envelope"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrAttached      = errors.New("worker already attached")
	ErrClosed        = errors.New("bus is closed")
)

type Bus struct {
	mu      sync.RWMutex
	inboxes map[domain.WorkerID]chan envelope.Envelope
	size    int
	done    chan struct{}
	once    sync.Once
}

func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		inboxes: make(map[domain.WorkerID]chan envelope.Envelope),
		size:    bufferSize,
		done:    make(chan struct{}),
	}
}

// Attach creates the inbox of id. Each worker attaches exactly once.
func (b *Bus) Attach(id domain.WorkerID) (<-chan envelope.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAttached, id)
	}
	ch := make(chan envelope.Envelope, b.size)
	b.inboxes[id] = ch
	return ch, nil
}

// Send delivers env to the inbox named by env.To. The message bytes are copied
// so the receiver never aliases the sender's buffer. Send blocks while the
// inbox is full until ctx is done or the bus closes.
func (b *Bus) Send(ctx context.Context, env envelope.Envelope) error {
	b.mu.RLock()
	inbox, ok := b.inboxes[env.To]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, env.To)
	}

	env.Message = append([]byte(nil), env.Message...)

	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case inbox <- env:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers lists the attached worker ids.
func (b *Bus) Workers() []domain.WorkerID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]domain.WorkerID, 0, len(b.inboxes))
	for id := range b.inboxes {
		ids = append(ids, id)
	}
	return ids
}

// Close stops all further sends. Inboxes are left open; readers stop on their
// own context.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}
