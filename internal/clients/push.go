package clients

import (
	"context"

	"workerbus/internal/domain"
	"workerbus/internal/envelope"
)

// Pusher delivers a one-way event to every live connection of a user.
// Delivery is best effort: a user with no connections is not an error.
type Pusher interface {
	Push(ctx context.Context, userID string, event envelope.Event) error
}

// Sender moves an envelope to another worker.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) error
}

// Remote pushes from any worker by forwarding to the websocket worker.
type Remote struct {
	self   domain.WorkerID
	target domain.WorkerID
	sender Sender
}

func NewRemote(self domain.WorkerID, sender Sender) *Remote {
	return &Remote{self: self, target: domain.WorkerWebsocket, sender: sender}
}

func (p *Remote) Push(ctx context.Context, userID string, event envelope.Event) error {
	env, err := envelope.New(p.self, p.target, envelope.KindPush, envelope.PushMessage{UserID: userID, Event: event})
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, env)
}

// Disconnect asks the websocket worker to drop every connection of userID.
func (p *Remote) Disconnect(ctx context.Context, userID, reason string) error {
	env, err := envelope.New(p.self, p.target, envelope.KindDisconnect, envelope.DisconnectMessage{UserID: userID, Reason: reason})
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, env)
}

// PushHandler handles push envelopes on the websocket worker.
func PushHandler(reg *Registry) func(context.Context, envelope.Envelope) error {
	return func(_ context.Context, env envelope.Envelope) error {
		var msg envelope.PushMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		n := reg.SendToUser(msg.UserID, msg.Event)
		reg.logger.Debug().
			Str("user_id", msg.UserID).
			Str("event", msg.Event.Type()).
			Str("from", string(env.From)).
			Int("delivered", n).
			Msg("push")
		return nil
	}
}

// DisconnectHandler handles disconnect envelopes on the websocket worker. A
// forcedLogout event is pushed before the connections close.
func DisconnectHandler(reg *Registry) func(context.Context, envelope.Envelope) error {
	return func(_ context.Context, env envelope.Envelope) error {
		var msg envelope.DisconnectMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		fields := map[string]any{}
		if msg.Reason != "" {
			fields["reason"] = msg.Reason
		}
		reg.SendToUser(msg.UserID, envelope.NewEvent("session", "forcedLogout", fields))
		reg.DisconnectUser(msg.UserID)
		return nil
	}
}
