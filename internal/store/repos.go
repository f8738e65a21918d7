package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"workerbus/internal/domain"
	"workerbus/internal/repository"
	"workerbus/internal/rpc"
)

// Repository scopes served by the database worker.
const (
	ScopeNote         = "note"
	ScopeNotification = "notification"
	ScopeExport       = "export"
)

var ErrInvalidArgs = rpc.NewCodedError("invalid_args", "invalid arguments")

type UserArgs struct {
	UserID string `json:"user_id"`
}

type NoteRef struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

type CreateNoteArgs struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

type CreateNotificationArgs struct {
	UserID     string `json:"user_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type ListNotificationsArgs struct {
	UserID     string `json:"user_id"`
	UnreadOnly bool   `json:"unread_only"`
}

type NotificationRef struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

type ListExportsArgs struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

// Deleted reports how many rows an operation removed.
type Deleted struct {
	Count int `json:"count"`
}

type OK struct {
	OK bool `json:"ok"`
}

// Register adds the note, notification and export repositories to reg.
func (s *Store) Register(reg *repository.Registry) {
	notes := reg.Repository(ScopeNote)
	repository.Add(notes, "create", func(ctx context.Context, a CreateNoteArgs) (domain.Note, error) {
		if a.UserID == "" || strings.TrimSpace(a.Title) == "" {
			return domain.Note{}, errors.Join(ErrInvalidArgs, errors.New("user_id and title are required"))
		}
		return s.CreateNote(ctx, a.UserID, a.Title, a.Body)
	})
	repository.Add(notes, "get", func(ctx context.Context, a NoteRef) (domain.Note, error) {
		return s.GetNote(ctx, a.UserID, a.ID)
	})
	repository.Add(notes, "list", func(ctx context.Context, a UserArgs) ([]domain.Note, error) {
		return s.ListNotes(ctx, a.UserID)
	})
	repository.Add(notes, "listIds", func(ctx context.Context, a UserArgs) ([]string, error) {
		return s.ListNoteIDs(ctx, a.UserID)
	})
	repository.Add(notes, "delete", func(ctx context.Context, a NoteRef) (OK, error) {
		if err := s.DeleteNote(ctx, a.UserID, a.ID); err != nil {
			return OK{}, err
		}
		return OK{OK: true}, nil
	})

	notifications := reg.Repository(ScopeNotification)
	repository.Add(notifications, "create", func(ctx context.Context, a CreateNotificationArgs) (domain.Notification, error) {
		if a.UserID == "" || strings.TrimSpace(a.Title) == "" {
			return domain.Notification{}, errors.Join(ErrInvalidArgs, errors.New("user_id and title are required"))
		}
		n := domain.Notification{UserID: a.UserID, Title: a.Title, Body: a.Body}
		if a.TTLSeconds > 0 {
			exp := s.now().Add(time.Duration(a.TTLSeconds) * time.Second)
			n.ExpiresAt = &exp
		}
		return s.CreateNotification(ctx, n)
	})
	repository.Add(notifications, "list", func(ctx context.Context, a ListNotificationsArgs) ([]domain.Notification, error) {
		return s.ListNotifications(ctx, a.UserID, a.UnreadOnly)
	})
	repository.Add(notifications, "markRead", func(ctx context.Context, a NotificationRef) (OK, error) {
		if err := s.MarkNotificationRead(ctx, a.UserID, a.ID); err != nil {
			return OK{}, err
		}
		return OK{OK: true}, nil
	})
	repository.Add(notifications, "purgeExpired", func(ctx context.Context, _ struct{}) (Deleted, error) {
		n, err := s.PurgeExpiredNotifications(ctx)
		return Deleted{Count: n}, err
	})

	exports := reg.Repository(ScopeExport)
	repository.Add(exports, "record", func(ctx context.Context, rec domain.ExportRecord) (OK, error) {
		if rec.JobID == "" || rec.UserID == "" {
			return OK{}, errors.Join(ErrInvalidArgs, errors.New("job_id and user_id are required"))
		}
		if err := s.RecordExport(ctx, rec); err != nil {
			return OK{}, err
		}
		return OK{OK: true}, nil
	})
	repository.Add(exports, "list", func(ctx context.Context, a ListExportsArgs) ([]domain.ExportRecord, error) {
		return s.ListExports(ctx, a.UserID, a.Limit)
	})
}

// Notes is the caller-side handle to the note repository.
type Notes struct {
	Create  repository.Func[CreateNoteArgs, domain.Note]
	Get     repository.Func[NoteRef, domain.Note]
	List    repository.Func[UserArgs, []domain.Note]
	ListIDs repository.Func[UserArgs, []string]
	Delete  repository.Func[NoteRef, OK]
}

func NewNotes(inv repository.Invoker) Notes {
	return Notes{
		Create:  repository.Bind[CreateNoteArgs, domain.Note](inv, domain.WorkerDatabase, ScopeNote, "create"),
		Get:     repository.Bind[NoteRef, domain.Note](inv, domain.WorkerDatabase, ScopeNote, "get"),
		List:    repository.Bind[UserArgs, []domain.Note](inv, domain.WorkerDatabase, ScopeNote, "list"),
		ListIDs: repository.Bind[UserArgs, []string](inv, domain.WorkerDatabase, ScopeNote, "listIds"),
		Delete:  repository.Bind[NoteRef, OK](inv, domain.WorkerDatabase, ScopeNote, "delete"),
	}
}

// Notifications is the caller-side handle to the notification repository.
type Notifications struct {
	Create       repository.Func[CreateNotificationArgs, domain.Notification]
	List         repository.Func[ListNotificationsArgs, []domain.Notification]
	MarkRead     repository.Func[NotificationRef, OK]
	PurgeExpired repository.Func[struct{}, Deleted]
}

func NewNotifications(inv repository.Invoker) Notifications {
	return Notifications{
		Create:       repository.Bind[CreateNotificationArgs, domain.Notification](inv, domain.WorkerDatabase, ScopeNotification, "create"),
		List:         repository.Bind[ListNotificationsArgs, []domain.Notification](inv, domain.WorkerDatabase, ScopeNotification, "list"),
		MarkRead:     repository.Bind[NotificationRef, OK](inv, domain.WorkerDatabase, ScopeNotification, "markRead"),
		PurgeExpired: repository.Bind[struct{}, Deleted](inv, domain.WorkerDatabase, ScopeNotification, "purgeExpired"),
	}
}

// Exports is the caller-side handle to the export history repository.
type Exports struct {
	Record repository.Func[domain.ExportRecord, OK]
	List   repository.Func[ListExportsArgs, []domain.ExportRecord]
}

func NewExports(inv repository.Invoker) Exports {
	return Exports{
		Record: repository.Bind[domain.ExportRecord, OK](inv, domain.WorkerDatabase, ScopeExport, "record"),
		List:   repository.Bind[ListExportsArgs, []domain.ExportRecord](inv, domain.WorkerDatabase, ScopeExport, "list"),
	}
}
