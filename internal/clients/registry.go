package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
	"workerbus/internal/rpc"
)

var ErrClientClosed = errors.New("client connection closed")

// Registry maps user ids to their live connections. It is owned by the
// websocket worker.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Client

	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewRegistry(logger zerolog.Logger, m *metrics.Collector) *Registry {
	return &Registry{
		byUser:  make(map[string]map[string]*Client),
		logger:  logger,
		metrics: m,
	}
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	conns, ok := r.byUser[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		r.byUser[c.UserID] = conns
	}
	_, dup := conns[c.ID]
	conns[c.ID] = c
	r.mu.Unlock()

	if !dup {
		r.metrics.ConnectionOpened()
	}
	r.logger.Info().Str("user_id", c.UserID).Str("conn_id", c.ID).Msg("client registered")
}

// Unregister removes c. It reports false if c was not registered.
func (r *Registry) Unregister(c *Client) bool {
	r.mu.Lock()
	conns, ok := r.byUser[c.UserID]
	if ok {
		_, ok = conns[c.ID]
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	r.mu.Unlock()

	if ok {
		r.metrics.ConnectionClosed()
		r.logger.Info().Str("user_id", c.UserID).Str("conn_id", c.ID).Msg("client unregistered")
	}
	return ok
}

// Clients returns a snapshot of the connections of userID.
func (r *Registry) Clients(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Count reports the number of live connections across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}

// SendToUser writes event to every connection of userID concurrently and
// returns how many writes succeeded. A failing connection does not affect the
// others.
func (r *Registry) SendToUser(userID string, event envelope.Event) int {
	conns := r.Clients(userID)
	if len(conns) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			err := c.Send(event)
			r.metrics.PushDelivered(err == nil)
			if err != nil {
				r.logger.Warn().Err(err).
					Str("user_id", userID).
					Str("conn_id", c.ID).
					Str("event", event.Type()).
					Msg("push to client failed")
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return delivered
}

// Push satisfies Pusher inside the websocket worker.
func (r *Registry) Push(_ context.Context, userID string, event envelope.Event) error {
	r.SendToUser(userID, event)
	return nil
}

// Respond replies to the connection that sent requestID, and only to it.
func (r *Registry) Respond(requestID string, c *Client, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return r.Reject(requestID, c, fmt.Errorf("marshal reply: %w", err))
	}
	return c.Send(envelope.Response{ForRequestID: requestID, Data: data})
}

// Reject sends the error form of a reply to the connection that sent
// requestID.
func (r *Registry) Reject(requestID string, c *Client, cause error) error {
	return c.Send(envelope.ErrorResponse(requestID, rpc.CodeOf(cause), cause.Error()))
}

// DisconnectUser closes every connection of userID and returns how many were
// closed.
func (r *Registry) DisconnectUser(userID string) int {
	conns := r.Clients(userID)
	for _, c := range conns {
		r.Unregister(c)
		if err := c.Close(); err != nil {
			r.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("close client")
		}
	}
	if len(conns) > 0 {
		r.logger.Info().Str("user_id", userID).Int("connections", len(conns)).Msg("user disconnected")
	}
	return len(conns)
}

// Close drops and closes every connection.
func (r *Registry) Close() {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	r.mu.RUnlock()

	for _, u := range users {
		r.DisconnectUser(u)
	}
}
