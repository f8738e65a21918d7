package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"workerbus/internal/domain"
	"workerbus/internal/envelope"
)

// HandlerFunc answers one operation. The returned value is marshalled into
// the response data.
type HandlerFunc func(ctx context.Context, op envelope.Operation) (any, error)

// Server answers request envelopes addressed to one worker. Every request
// that decodes with an id gets exactly one response.
type Server struct {
	self    domain.WorkerID
	sender  Sender
	handler HandlerFunc
	logger  zerolog.Logger
}

func NewServer(self domain.WorkerID, sender Sender, handler HandlerFunc, logger zerolog.Logger) *Server {
	return &Server{self: self, sender: sender, handler: handler, logger: logger}
}

// HandleRequest is the router handler for request envelopes.
func (s *Server) HandleRequest(ctx context.Context, env envelope.Envelope) error {
	var req envelope.Request
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.RequestID == "" {
		return fmt.Errorf("request from %s has no requestId", env.From)
	}

	reply := req.From
	if reply == "" {
		reply = env.From
	}

	resp := s.answer(ctx, req)
	out, err := envelope.New(s.self, reply, envelope.KindResponse, resp)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, out); err != nil {
		return fmt.Errorf("reply to %s for %s: %w", reply, req.RequestID, err)
	}
	return nil
}

func (s *Server) answer(ctx context.Context, req envelope.Request) (resp envelope.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("request_id", req.RequestID).
				Str("op", req.Data.String()).
				Interface("panic", r).
				Msg("request handler panicked")
			resp = envelope.ErrorResponse(req.RequestID, CodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	result, err := s.handler(ctx, req.Data)
	if err != nil {
		s.logger.Debug().Err(err).Str("request_id", req.RequestID).Str("op", req.Data.String()).Msg("request failed")
		return envelope.ErrorResponse(req.RequestID, CodeOf(err), err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		return envelope.ErrorResponse(req.RequestID, CodeInternal, fmt.Sprintf("marshal result: %v", err))
	}
	return envelope.Response{ForRequestID: req.RequestID, Data: data}
}

// Reject answers a request envelope that reached a worker with no handler for
// its kind. Anything that does not decode as a request is ignored.
func (s *Server) Reject(ctx context.Context, env envelope.Envelope, cause error) {
	var req envelope.Request
	if err := env.Decode(&req); err != nil || req.RequestID == "" {
		return
	}
	reply := req.From
	if reply == "" {
		reply = env.From
	}
	out, err := envelope.New(s.self, reply, envelope.KindResponse,
		envelope.ErrorResponse(req.RequestID, CodeUnroutable, cause.Error()))
	if err != nil {
		return
	}
	if err := s.sender.Send(ctx, out); err != nil {
		s.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("could not reject unroutable request")
	}
}
