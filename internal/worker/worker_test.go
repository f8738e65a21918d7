package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workerbus/internal/bus"
	"workerbus/internal/clients"
	"workerbus/internal/domain"
	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
	"workerbus/internal/repository"
	"workerbus/internal/rpc"
)

func startPair(t *testing.T, timeout time.Duration) (db, ws *Worker, b *bus.Bus) {
	t.Helper()
	b = bus.New(16)
	opts := Options{CallTimeout: timeout, Logger: zerolog.Nop(), Metrics: metrics.NewCollector(prometheus.NewRegistry())}

	var err error
	db, err = New(domain.WorkerDatabase, b, opts)
	require.NoError(t, err)
	ws, err = New(domain.WorkerWebsocket, b, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range []*Worker{db, ws} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		b.Close()
	})
	return db, ws, b
}

type noteArgs struct {
	ID string `json:"id"`
}

func TestCrossWorkerCall(t *testing.T) {
	db, ws, _ := startPair(t, time.Second)
	repository.Add(db.Repos.Repository("note"), "get", func(_ context.Context, a noteArgs) (domain.Note, error) {
		return domain.Note{ID: a.ID, Title: "hello"}, nil
	})

	get := repository.Bind[noteArgs, domain.Note](ws.Caller, domain.WorkerDatabase, "note", "get")
	n, err := get(context.Background(), noteArgs{ID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, "hello", n.Title)
	assert.Zero(t, ws.Caller.Pending())
}

func TestUnregisteredScopeFails(t *testing.T) {
	_, ws, _ := startPair(t, time.Second)

	_, err := ws.Caller.Call(context.Background(), domain.WorkerDatabase, "geometry", "area", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrRepositoryNotFound)
	assert.Contains(t, err.Error(), "geometry")
}

func TestOperationErrorCrossesBoundary(t *testing.T) {
	db, ws, _ := startPair(t, time.Second)
	repository.Add(db.Repos.Repository("note"), "delete", func(context.Context, noteArgs) (bool, error) {
		return false, errors.New("note not found")
	})

	_, err := ws.Caller.Call(context.Background(), domain.WorkerDatabase, "note", "delete", noteArgs{ID: "x"})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "note not found", remote.Message)
}

func TestConcurrentCallsDoNotCrossWires(t *testing.T) {
	db, ws, _ := startPair(t, 2*time.Second)
	repository.Add(db.Repos.Repository("math"), "echo", func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(10-n%10) * time.Millisecond)
		return n, nil
	})
	echo := repository.Bind[int, int](ws.Caller, domain.WorkerDatabase, "math", "echo")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := echo(context.Background(), i)
			if err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- errors.New("mismatched response")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestHandlerAwaitingCallDoesNotBlockRouter(t *testing.T) {
	db, ws, _ := startPair(t, 2*time.Second)
	release := make(chan struct{})
	repository.Add(db.Repos.Repository("slow"), "wait", func(ctx context.Context, _ struct{}) (string, error) {
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	repository.Add(db.Repos.Repository("fast"), "ping", func(context.Context, struct{}) (string, error) {
		return "pong", nil
	})

	slow, err := ws.Caller.Go(context.Background(), domain.WorkerDatabase, "slow", "wait", nil)
	require.NoError(t, err)

	data, err := ws.Caller.Call(context.Background(), domain.WorkerDatabase, "fast", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))

	close(release)
	data, err = slow.Await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"late"`, string(data))
}

func TestCallToDetachedWorkerFails(t *testing.T) {
	_, ws, _ := startPair(t, time.Second)

	f, err := ws.Caller.Go(context.Background(), domain.WorkerTimer, "x", "y", nil)
	assert.Nil(t, f)
	assert.ErrorIs(t, err, bus.ErrUnknownWorker)
	assert.Zero(t, ws.Caller.Pending())
}

func TestUnknownKindRejectsRequest(t *testing.T) {
	_, _, b := startPair(t, time.Second)
	inbox, err := b.Attach("probe")
	require.NoError(t, err)

	req := envelope.Request{RequestID: "manual-1", From: "probe", Data: envelope.Operation{Name: "note", Key: "get"}}
	env, err := envelope.New("probe", domain.WorkerDatabase, "bogus", req)
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), env))

	select {
	case got := <-inbox:
		var resp envelope.Response
		require.NoError(t, got.Decode(&resp))
		assert.Equal(t, "manual-1", resp.ForRequestID)
		assert.Equal(t, rpc.CodeUnroutable, resp.ErrorCode)
		require.NotNil(t, resp.ErrorMessage)
		assert.Contains(t, *resp.ErrorMessage, "bogus")
	case <-time.After(time.Second):
		t.Fatal("no rejection for unroutable request")
	}
}

func TestCallTimesOutWhenNobodyAnswers(t *testing.T) {
	b := bus.New(4)
	ws, err := New(domain.WorkerWebsocket, b, Options{CallTimeout: 30 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = b.Attach(domain.WorkerDatabase)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ws.Run(ctx)

	_, err = ws.Caller.Call(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	assert.ErrorIs(t, err, rpc.ErrCallTimeout)
}

func TestRunClosesPendingCalls(t *testing.T) {
	b := bus.New(4)
	ws, err := New(domain.WorkerWebsocket, b, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = b.Attach(domain.WorkerDatabase)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ws.Run(ctx)
		close(done)
	}()

	f, err := ws.Caller.Go(context.Background(), domain.WorkerDatabase, "note", "list", nil)
	require.NoError(t, err)
	cancel()
	<-done

	_, err = f.Await(context.Background())
	assert.ErrorIs(t, err, rpc.ErrClosed)
}

func TestDuplicateKindPanics(t *testing.T) {
	r := NewRouter(domain.WorkerTimer, nil, 1, zerolog.Nop(), nil)
	r.Handle("tick", func(context.Context, envelope.Envelope) error { return nil })
	assert.Panics(t, func() {
		r.Handle("tick", func(context.Context, envelope.Envelope) error { return nil })
	})
	r.HandleFrontend("note.list", func(context.Context, *clients.Client, envelope.ClientMessage) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		r.HandleFrontend("note.list", func(context.Context, *clients.Client, envelope.ClientMessage) (any, error) { return nil, nil })
	})
}

func TestHandlerPanicIsContained(t *testing.T) {
	r := NewRouter(domain.WorkerTimer, nil, 1, zerolog.Nop(), nil)
	var calls atomic.Int32
	r.HandleInline("boom", func(context.Context, envelope.Envelope) error {
		calls.Add(1)
		panic("handler bug")
	})
	assert.NotPanics(t, func() {
		require.NoError(t, r.Dispatch(context.Background(), envelope.Envelope{Kind: "boom"}))
	})
	assert.Equal(t, int32(1), calls.Load())
}

type fakeConn struct {
	mu     sync.Mutex
	frames []json.RawMessage
}

func (f *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, raw)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) last() (envelope.Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return envelope.Response{}, false
	}
	var resp envelope.Response
	_ = json.Unmarshal(f.frames[len(f.frames)-1], &resp)
	return resp, true
}

func TestDispatchFrontendRepliesToOrigin(t *testing.T) {
	reg := clients.NewRegistry(zerolog.Nop(), nil)
	r := NewRouter(domain.WorkerWebsocket, nil, 4, zerolog.Nop(), nil)
	r.SetReplier(reg)
	r.HandleFrontend("note.count", func(_ context.Context, c *clients.Client, _ envelope.ClientMessage) (any, error) {
		return map[string]string{"user": c.UserID}, nil
	})

	conn := &fakeConn{}
	c := clients.NewClient("u1", conn)
	require.NoError(t, r.DispatchFrontend(context.Background(), c, json.RawMessage(`{"requestId":"r1","type":"note.count"}`)))

	require.Eventually(t, func() bool { _, ok := conn.last(); return ok }, time.Second, 5*time.Millisecond)
	resp, _ := conn.last()
	assert.Equal(t, "r1", resp.ForRequestID)
	assert.JSONEq(t, `{"user":"u1"}`, string(resp.Data))
}

func TestDispatchFrontendUnknownTypeRejects(t *testing.T) {
	reg := clients.NewRegistry(zerolog.Nop(), nil)
	r := NewRouter(domain.WorkerWebsocket, nil, 4, zerolog.Nop(), nil)
	r.SetReplier(reg)

	conn := &fakeConn{}
	err := r.DispatchFrontend(context.Background(), clients.NewClient("u1", conn), json.RawMessage(`{"requestId":"r9","type":"nope"}`))
	assert.ErrorIs(t, err, rpc.ErrUnroutable)

	resp, ok := conn.last()
	require.True(t, ok)
	assert.Equal(t, "r9", resp.ForRequestID)
	assert.Equal(t, rpc.CodeUnroutable, resp.ErrorCode)
}

func TestDispatchFrontendBadFrame(t *testing.T) {
	r := NewRouter(domain.WorkerWebsocket, nil, 4, zerolog.Nop(), nil)
	err := r.DispatchFrontend(context.Background(), clients.NewClient("u1", &fakeConn{}), json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestSaturatedRouterStillResolvesNestedCalls(t *testing.T) {
	b := bus.New(16)
	m := metrics.NewCollector(prometheus.NewRegistry())
	mk := func(id domain.WorkerID, maxInFlight int) *Worker {
		w, err := New(id, b, Options{MaxInFlight: maxInFlight, CallTimeout: 2 * time.Second, Logger: zerolog.Nop(), Metrics: m})
		require.NoError(t, err)
		return w
	}
	db := mk(domain.WorkerDatabase, 1)
	proc := mk(domain.WorkerProcessor, 0)
	ws := mk(domain.WorkerWebsocket, 0)

	repository.Add(proc.Repos.Repository("src"), "get", func(_ context.Context, n int) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return n * 2, nil
	})
	get := repository.Bind[int, int](db.Caller, domain.WorkerProcessor, "src", "get")
	repository.Add(db.Repos.Repository("proxy"), "fetch", func(ctx context.Context, n int) (int, error) {
		return get(ctx, n)
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range []*Worker{db, proc, ws} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		b.Close()
	})

	fetch := repository.Bind[int, int](ws.Caller, domain.WorkerDatabase, "proxy", "fetch")
	start := time.Now()
	var calls sync.WaitGroup
	errs := make(chan error, 4)
	for i := 1; i <= 4; i++ {
		calls.Add(1)
		go func(i int) {
			defer calls.Done()
			got, err := fetch(context.Background(), i)
			if err == nil && got != i*2 {
				err = errors.New("mismatched response")
			}
			if err != nil {
				errs <- err
			}
		}(i)
	}
	calls.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestStoppedRouterRefusesFrontendWork(t *testing.T) {
	reg := clients.NewRegistry(zerolog.Nop(), nil)
	r := NewRouter(domain.WorkerWebsocket, make(chan envelope.Envelope), 4, zerolog.Nop(), nil)
	r.SetReplier(reg)
	var ran atomic.Bool
	r.HandleFrontend("note.list", func(context.Context, *clients.Client, envelope.ClientMessage) (any, error) {
		ran.Store(true)
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	conn := &fakeConn{}
	err := r.DispatchFrontend(context.Background(), clients.NewClient("u1", conn), json.RawMessage(`{"requestId":"r2","type":"note.list"}`))
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, ran.Load())

	resp, ok := conn.last()
	require.True(t, ok)
	assert.Equal(t, "r2", resp.ForRequestID)
	assert.True(t, resp.Failed())
}
