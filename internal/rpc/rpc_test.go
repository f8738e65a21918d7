package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workerbus/internal/domain"
	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []envelope.Envelope
	err  error
}

func (s *recordingSender) Send(_ context.Context, env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) last(t *testing.T) envelope.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func lastRequest(t *testing.T, s *recordingSender) envelope.Request {
	t.Helper()
	var req envelope.Request
	require.NoError(t, s.last(t).Decode(&req))
	return req
}

func ok(id string, data string) envelope.Response {
	return envelope.Response{ForRequestID: id, Data: json.RawMessage(data)}
}

func TestGoSendsRequestEnvelope(t *testing.T) {
	s := &recordingSender{}
	c := NewCaller(domain.WorkerWebsocket, s)

	f, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "list", map[string]string{"user_id": "u1"})
	require.NoError(t, err)

	env := s.last(t)
	assert.Equal(t, domain.WorkerWebsocket, env.From)
	assert.Equal(t, domain.WorkerDatabase, env.To)
	assert.Equal(t, envelope.KindRequest, env.Kind)

	req := lastRequest(t, s)
	assert.Equal(t, f.ID, req.RequestID)
	assert.Equal(t, domain.WorkerWebsocket, req.From)
	assert.Equal(t, "note", req.Data.Name)
	assert.Equal(t, "list", req.Data.Key)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(req.Data.Data))
	assert.Equal(t, 1, c.Pending())
}

func TestResolveSettlesOnce(t *testing.T) {
	s := &recordingSender{}
	c := NewCaller(domain.WorkerWebsocket, s, WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))

	f, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "get", "n1")
	require.NoError(t, err)

	assert.True(t, c.Resolve(domain.WorkerDatabase, ok(f.ID, `{"id":"n1"}`)))
	assert.False(t, c.Resolve(domain.WorkerDatabase, ok(f.ID, `{"id":"other"}`)))

	data, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"n1"}`, string(data))
	assert.Zero(t, c.Pending())
}

func TestOrphanResponseIsDropped(t *testing.T) {
	c := NewCaller(domain.WorkerWebsocket, &recordingSender{})
	assert.False(t, c.Resolve(domain.WorkerDatabase, ok("never-issued", `1`)))
	assert.Zero(t, c.Pending())
}

func TestResponsesMatchByIDNotOrder(t *testing.T) {
	s := &recordingSender{}
	c := NewCaller(domain.WorkerWebsocket, s)
	ctx := context.Background()

	a, err := c.Go(ctx, domain.WorkerDatabase, "note", "get", "a")
	require.NoError(t, err)
	b, err := c.Go(ctx, domain.WorkerDatabase, "note", "get", "b")
	require.NoError(t, err)

	c.Resolve(domain.WorkerDatabase, ok(b.ID, `"B"`))
	c.Resolve(domain.WorkerDatabase, ok(a.ID, `"A"`))

	da, err := a.Await(ctx)
	require.NoError(t, err)
	db, err := b.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(da))
	assert.JSONEq(t, `"B"`, string(db))
}

func TestRemoteErrorKeepsMessageAndCode(t *testing.T) {
	s := &recordingSender{}
	c := NewCaller(domain.WorkerWebsocket, s)

	f, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "get", "x")
	require.NoError(t, err)
	c.Resolve(domain.WorkerDatabase, envelope.ErrorResponse(f.ID, CodeTimeout, "slow"))

	_, err = f.Await(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "slow", remote.Message)
	assert.Equal(t, string(domain.WorkerDatabase), remote.Worker)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.NotErrorIs(t, err, ErrUnroutable)
}

func TestCallTimeoutEvicts(t *testing.T) {
	s := &recordingSender{}
	c := NewCaller(domain.WorkerWebsocket, s, WithTimeout(20*time.Millisecond))

	_, err := c.Call(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Zero(t, c.Pending())

	req := lastRequest(t, s)
	assert.False(t, c.Resolve(domain.WorkerDatabase, ok(req.RequestID, `[]`)))
}

func TestAwaitContextCancelEvicts(t *testing.T) {
	c := NewCaller(domain.WorkerWebsocket, &recordingSender{})
	f, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestSendFailureLeavesNoPendingEntry(t *testing.T) {
	boom := errors.New("inbox gone")
	c := NewCaller(domain.WorkerWebsocket, &recordingSender{err: boom})

	_, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Pending())
}

func TestCloseRejectsPending(t *testing.T) {
	c := NewCaller(domain.WorkerWebsocket, &recordingSender{})
	f, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	require.NoError(t, err)

	c.Close()
	_, err = f.Await(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Go(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleResponseDecodes(t *testing.T) {
	c := NewCaller(domain.WorkerWebsocket, &recordingSender{})
	f, err := c.Go(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	require.NoError(t, err)

	env, err := envelope.New(domain.WorkerDatabase, domain.WorkerWebsocket, envelope.KindResponse, ok(f.ID, `[1,2]`))
	require.NoError(t, err)
	require.NoError(t, c.HandleResponse(context.Background(), env))

	data, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(data))
}

func requestEnvelope(t *testing.T, id, scope, name string, args any) envelope.Envelope {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	env, err := envelope.New(domain.WorkerWebsocket, domain.WorkerDatabase, envelope.KindRequest, envelope.Request{
		RequestID: id,
		From:      domain.WorkerWebsocket,
		Data:      envelope.Operation{Name: scope, Key: name, Data: raw},
	})
	require.NoError(t, err)
	return env
}

func lastResponse(t *testing.T, s *recordingSender) envelope.Response {
	t.Helper()
	env := s.last(t)
	assert.Equal(t, envelope.KindResponse, env.Kind)
	assert.Equal(t, domain.WorkerWebsocket, env.To)
	var resp envelope.Response
	require.NoError(t, env.Decode(&resp))
	return resp
}

func TestServerAnswersWithData(t *testing.T) {
	s := &recordingSender{}
	srv := NewServer(domain.WorkerDatabase, s, func(_ context.Context, op envelope.Operation) (any, error) {
		assert.Equal(t, "note.get", op.String())
		return map[string]string{"id": "n1"}, nil
	}, zerolog.Nop())

	require.NoError(t, srv.HandleRequest(context.Background(), requestEnvelope(t, "r1", "note", "get", "n1")))
	require.Equal(t, 1, s.count())

	resp := lastResponse(t, s)
	assert.Equal(t, "r1", resp.ForRequestID)
	assert.Nil(t, resp.ErrorMessage)
	assert.JSONEq(t, `{"id":"n1"}`, string(resp.Data))
}

func TestServerAnswersWithError(t *testing.T) {
	s := &recordingSender{}
	srv := NewServer(domain.WorkerDatabase, s, func(context.Context, envelope.Operation) (any, error) {
		return nil, ErrCallTimeout
	}, zerolog.Nop())

	require.NoError(t, srv.HandleRequest(context.Background(), requestEnvelope(t, "r2", "note", "get", nil)))
	resp := lastResponse(t, s)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, "rpc: call timed out", *resp.ErrorMessage)
	assert.Equal(t, CodeTimeout, resp.ErrorCode)
	assert.True(t, resp.Failed())
}

func TestServerRecoversPanics(t *testing.T) {
	s := &recordingSender{}
	srv := NewServer(domain.WorkerDatabase, s, func(context.Context, envelope.Operation) (any, error) {
		panic("kaboom")
	}, zerolog.Nop())

	require.NoError(t, srv.HandleRequest(context.Background(), requestEnvelope(t, "r3", "note", "get", nil)))
	resp := lastResponse(t, s)
	require.NotNil(t, resp.ErrorMessage)
	assert.Contains(t, *resp.ErrorMessage, "kaboom")
	assert.Equal(t, CodeInternal, resp.ErrorCode)
}

func TestServerRejectUnroutable(t *testing.T) {
	s := &recordingSender{}
	srv := NewServer(domain.WorkerDatabase, s, nil, zerolog.Nop())

	env := requestEnvelope(t, "r4", "note", "get", nil)
	env.Kind = "bogus"
	srv.Reject(context.Background(), env, errors.New("unknown kind bogus"))

	resp := lastResponse(t, s)
	assert.Equal(t, "r4", resp.ForRequestID)
	assert.Equal(t, CodeUnroutable, resp.ErrorCode)
	assert.Contains(t, *resp.ErrorMessage, "bogus")

	srv.Reject(context.Background(), envelope.Envelope{From: domain.WorkerTimer, Kind: "bogus", Message: json.RawMessage(`"x"`)}, errors.New("x"))
	assert.Equal(t, 1, s.count())
}

func TestCallerAndServerRoundTrip(t *testing.T) {
	var caller *Caller
	toCaller := senderFunc(func(ctx context.Context, env envelope.Envelope) error {
		go func() { _ = caller.HandleResponse(ctx, env) }()
		return nil
	})
	srv := NewServer(domain.WorkerDatabase, toCaller, func(_ context.Context, op envelope.Operation) (any, error) {
		var n int
		if err := json.Unmarshal(op.Data, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}, zerolog.Nop())
	toServer := senderFunc(func(ctx context.Context, env envelope.Envelope) error {
		go func() { _ = srv.HandleRequest(ctx, env) }()
		return nil
	})
	caller = NewCaller(domain.WorkerWebsocket, toServer, WithTimeout(time.Second))

	data, err := caller.Call(context.Background(), domain.WorkerDatabase, "math", "double", 21)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(data))
}

type senderFunc func(ctx context.Context, env envelope.Envelope) error

func (f senderFunc) Send(ctx context.Context, env envelope.Envelope) error { return f(ctx, env) }
