package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workerbus/internal/app"
	"workerbus/internal/domain"
	"workerbus/internal/rpc"
	"workerbus/internal/store"
)

type fakeBackend struct {
	notified  []store.CreateNotificationArgs
	notifyErr error
	loggedOut []string
	reasons   []string
}

func (f *fakeBackend) Notify(_ context.Context, args store.CreateNotificationArgs) (domain.Notification, error) {
	if f.notifyErr != nil {
		return domain.Notification{}, f.notifyErr
	}
	f.notified = append(f.notified, args)
	return domain.Notification{ID: "ntf_1", UserID: args.UserID, Title: args.Title, CreatedAt: time.Unix(0, 0).UTC()}, nil
}

func (f *fakeBackend) Logout(_ context.Context, userID, reason string) (int, error) {
	f.loggedOut = append(f.loggedOut, userID)
	f.reasons = append(f.reasons, reason)
	return 2, nil
}

func (f *fakeBackend) Stats() app.Stats {
	return app.Stats{
		PendingCalls:      map[domain.WorkerID]int{domain.WorkerDatabase: 1},
		ConnectedClients:  3,
		ScheduledHandlers: []string{"notifications.purge"},
	}
}

func newTestServer(b Backend) http.Handler {
	gateway := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "workerbus_up 1")
	})
	return NewServer(b, gateway, metrics)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeBackend{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsAndGatewayAreMounted(t *testing.T) {
	h := newTestServer(&fakeBackend{})
	assert.Contains(t, do(t, h, http.MethodGet, "/metrics", "").Body.String(), "workerbus_up 1")
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/ws?user=u1", "").Code)
}

func TestCreateNotification(t *testing.T) {
	b := &fakeBackend{}
	rec := do(t, newTestServer(b), http.MethodPost, "/api/notifications", `{"user_id":"u1","title":"hi","ttl_seconds":60}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var n domain.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "ntf_1", n.ID)
	require.Len(t, b.notified, 1)
	assert.Equal(t, 60, b.notified[0].TTLSeconds)
}

func TestCreateNotificationValidates(t *testing.T) {
	b := &fakeBackend{}
	rec := do(t, newTestServer(b), http.MethodPost, "/api/notifications", `{"user_id":"","title":"hi"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, b.notified)
}

func TestCreateNotificationMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&rpc.RemoteError{Worker: "database", Code: "invalid_args", Message: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("call: %w", rpc.ErrCallTimeout), http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(t, newTestServer(&fakeBackend{notifyErr: tc.err}), http.MethodPost, "/api/notifications", `{"user_id":"u1","title":"hi"}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestLogoutUser(t *testing.T) {
	b := &fakeBackend{}
	rec := do(t, newTestServer(b), http.MethodPost, "/api/users/u7/logout?reason=suspended", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"user_id":"u7","connections":2}`, stripSchema(t, rec.Body.Bytes()))
	assert.Equal(t, []string{"u7"}, b.loggedOut)
	assert.Equal(t, []string{"suspended"}, b.reasons)
}

func TestStats(t *testing.T) {
	rec := do(t, newTestServer(&fakeBackend{}), http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var s app.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 3, s.ConnectedClients)
	assert.Equal(t, 1, s.PendingCalls[domain.WorkerDatabase])
}

// stripSchema drops the $schema link huma adds to response bodies.
func stripSchema(t *testing.T, raw []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	delete(m, "$schema")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}
