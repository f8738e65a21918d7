package app

import (
	"context"
	"encoding/json"
	"fmt"

	"workerbus/internal/clients"
	"workerbus/internal/envelope"
	"workerbus/internal/exports"
	"workerbus/internal/repository"
	"workerbus/internal/store"
	"workerbus/internal/worker"
)

// frontend serves the frames live clients send to the websocket worker. The
// user id always comes from the connection, never from the frame.
type frontend struct {
	notes         store.Notes
	notifications store.Notifications
	history       store.Exports
	exports       exports.Client
}

func newFrontend(inv repository.Invoker) *frontend {
	return &frontend{
		notes:         store.NewNotes(inv),
		notifications: store.NewNotifications(inv),
		history:       store.NewExports(inv),
		exports:       exports.NewClient(inv),
	}
}

func (f *frontend) register(r *worker.Router) {
	r.HandleFrontend("note.create", f.createNote)
	r.HandleFrontend("note.list", f.listNotes)
	r.HandleFrontend("note.delete", f.deleteNote)
	r.HandleFrontend("notification.list", f.listNotifications)
	r.HandleFrontend("notification.markRead", f.markRead)
	r.HandleFrontend("export.start", f.startExport)
	r.HandleFrontend("export.cancel", f.cancelExport)
	r.HandleFrontend("export.list", f.listExports)
}

func decode[T any](msg envelope.ClientMessage) (T, error) {
	var v T
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return v, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return v, nil
}

func (f *frontend) createNote(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error) {
	in, err := decode[struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}](msg)
	if err != nil {
		return nil, err
	}
	return f.notes.Create(ctx, store.CreateNoteArgs{UserID: c.UserID, Title: in.Title, Body: in.Body})
}

func (f *frontend) listNotes(ctx context.Context, c *clients.Client, _ envelope.ClientMessage) (any, error) {
	return f.notes.List(ctx, store.UserArgs{UserID: c.UserID})
}

func (f *frontend) deleteNote(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error) {
	in, err := decode[struct {
		ID string `json:"id"`
	}](msg)
	if err != nil {
		return nil, err
	}
	return f.notes.Delete(ctx, store.NoteRef{UserID: c.UserID, ID: in.ID})
}

func (f *frontend) listNotifications(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error) {
	in, err := decode[struct {
		UnreadOnly bool `json:"unread_only"`
	}](msg)
	if err != nil {
		return nil, err
	}
	return f.notifications.List(ctx, store.ListNotificationsArgs{UserID: c.UserID, UnreadOnly: in.UnreadOnly})
}

func (f *frontend) markRead(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error) {
	in, err := decode[struct {
		ID string `json:"id"`
	}](msg)
	if err != nil {
		return nil, err
	}
	return f.notifications.MarkRead(ctx, store.NotificationRef{UserID: c.UserID, ID: in.ID})
}

func (f *frontend) startExport(ctx context.Context, c *clients.Client, _ envelope.ClientMessage) (any, error) {
	return f.exports.Start(ctx, exports.StartArgs{UserID: c.UserID})
}

func (f *frontend) cancelExport(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error) {
	in, err := decode[struct {
		JobID string `json:"job_id"`
	}](msg)
	if err != nil {
		return nil, err
	}
	return f.exports.Cancel(ctx, exports.JobRef{UserID: c.UserID, JobID: in.JobID})
}

func (f *frontend) listExports(ctx context.Context, c *clients.Client, msg envelope.ClientMessage) (any, error) {
	in, err := decode[struct {
		Limit int `json:"limit"`
	}](msg)
	if err != nil {
		return nil, err
	}
	return f.history.List(ctx, store.ListExportsArgs{UserID: c.UserID, Limit: in.Limit})
}
