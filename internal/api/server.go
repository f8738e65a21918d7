package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"workerbus/internal/app"
	"workerbus/internal/domain"
	"workerbus/internal/rpc"
	"workerbus/internal/store"
)

// Backend is what the HTTP surface needs from the running workers.
type Backend interface {
	Notify(ctx context.Context, args store.CreateNotificationArgs) (domain.Notification, error)
	Logout(ctx context.Context, userID, reason string) (int, error)
	Stats() app.Stats
}

type Server struct {
	backend Backend
}

func NewServer(backend Backend, gateway, metrics http.Handler) http.Handler {
	return NewServerWithDebug(backend, gateway, metrics, false)
}

func NewServerWithDebug(backend Backend, gateway, metrics http.Handler, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{backend: backend}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics)
	r.Handle("/ws", gateway)

	api := humachi.New(r, huma.DefaultConfig("workerbus", "1.0.0"))
	s.RegisterRoutes(api)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// RegisterRoutes registers the REST operations with the Huma API.
func (s *Server) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-notification",
		Method:        http.MethodPost,
		Path:          "/api/notifications",
		Summary:       "Create a notification",
		Description:   "Store a notification for a user and push it to the user's live connections",
		Tags:          []string{"notifications"},
		DefaultStatus: http.StatusCreated,
	}, s.createNotification)

	huma.Register(api, huma.Operation{
		OperationID: "logout-user",
		Method:      http.MethodPost,
		Path:        "/api/users/{userId}/logout",
		Summary:     "Force a logout",
		Description: "Push forcedLogout to every connection of the user and close them",
		Tags:        []string{"users"},
	}, s.logoutUser)

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/api/stats",
		Summary:     "Runtime statistics",
		Tags:        []string{"admin"},
	}, s.stats)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type CreateNotificationRequest struct {
	Body struct {
		UserID     string `json:"user_id" minLength:"1" doc:"Recipient user id"`
		Title      string `json:"title" minLength:"1"`
		Body       string `json:"body,omitempty"`
		TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0" doc:"Lifetime in seconds, server default when omitted"`
	}
}

type CreateNotificationResponse struct {
	Body domain.Notification
}

func (s *Server) createNotification(ctx context.Context, input *CreateNotificationRequest) (*CreateNotificationResponse, error) {
	n, err := s.backend.Notify(ctx, store.CreateNotificationArgs{
		UserID:     input.Body.UserID,
		Title:      input.Body.Title,
		Body:       input.Body.Body,
		TTLSeconds: input.Body.TTLSeconds,
	})
	if err != nil {
		return nil, toHTTPError("Failed to create notification", err)
	}
	return &CreateNotificationResponse{Body: n}, nil
}

type LogoutRequest struct {
	UserID string `path:"userId" minLength:"1"`
	Reason string `query:"reason" doc:"Shown to the user in the forcedLogout event"`
}

type LogoutResponse struct {
	Body struct {
		UserID      string `json:"user_id"`
		Connections int    `json:"connections" doc:"Connections open when the logout was issued"`
	}
}

func (s *Server) logoutUser(ctx context.Context, input *LogoutRequest) (*LogoutResponse, error) {
	n, err := s.backend.Logout(ctx, input.UserID, input.Reason)
	if err != nil {
		return nil, toHTTPError("Failed to log out user", err)
	}
	resp := &LogoutResponse{}
	resp.Body.UserID = input.UserID
	resp.Body.Connections = n
	return resp, nil
}

type StatsResponse struct {
	Body app.Stats
}

func (s *Server) stats(ctx context.Context, input *struct{}) (*StatsResponse, error) {
	return &StatsResponse{Body: s.backend.Stats()}, nil
}

func toHTTPError(msg string, err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidArgs):
		return huma.Error400BadRequest(msg, err)
	case errors.Is(err, rpc.ErrCallTimeout):
		return huma.Error504GatewayTimeout(msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
