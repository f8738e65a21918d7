// Package exports is the note export job run by the processor worker.
package exports

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"workerbus/internal/domain"
	"workerbus/internal/jobs"
	"workerbus/internal/rpc"
	"workerbus/internal/store"
)

const (
	JobName   = "export"
	Namespace = "export"

	partSuffix = ".zip.part"
	zipSuffix  = ".zip"
)

var ErrUnknownJob = rpc.NewCodedError("unknown_job", "unknown job")

// Exporter archives a user's notes into <dir>/<jobId>.zip. The notes are read
// through the database worker one call at a time.
type Exporter struct {
	dir     string
	notes   store.Notes
	history store.Exports
	runner  *jobs.Runner
	logger  zerolog.Logger
	now     func() time.Time
}

func New(dir string, notes store.Notes, history store.Exports, runner *jobs.Runner, logger zerolog.Logger) *Exporter {
	return &Exporter{
		dir:     dir,
		notes:   notes,
		history: history,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
	}
}

// Dir returns the directory archives are written to.
func (e *Exporter) Dir() string { return e.dir }

// Start launches an export of userID's notes and returns the job id.
func (e *Exporter) Start(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("export needs a user")
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("export dir: %w", err)
	}
	run := &exportRun{e: e, userID: userID}
	return e.runner.Start(userID, jobs.Spec{
		Name:      JobName,
		Namespace: Namespace,
		Work:      run.work,
		Cleanup:   run.cleanup,
		OnFinish:  run.finish,
	})
}

// Cancel cancels jobID if userID owns it. It reports whether a cancel was
// requested.
func (e *Exporter) Cancel(userID, jobID string) bool {
	owner, ok := e.runner.Owner(jobID)
	if !ok || owner != userID {
		return false
	}
	return e.runner.Cancel(jobID)
}

// Status returns the state of a job userID owns that is still running.
func (e *Exporter) Status(userID, jobID string) (jobs.Info, error) {
	for _, info := range e.runner.Active() {
		if info.ID == jobID && info.Owner == userID {
			return info, nil
		}
	}
	return jobs.Info{}, fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
}

// PurgeArtifacts removes archives older than maxAge and partial files left
// behind by jobs that are no longer running.
func (e *Exporter) PurgeArtifacts(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	active := map[string]bool{}
	for _, info := range e.runner.Active() {
		active[info.ID] = true
	}

	cutoff := e.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(name, partSuffix):
			if active[strings.TrimSuffix(name, partSuffix)] {
				continue
			}
		case strings.HasSuffix(name, zipSuffix):
			fi, err := entry.Info()
			if err != nil || fi.ModTime().After(cutoff) {
				continue
			}
		default:
			continue
		}
		if err := os.Remove(filepath.Join(e.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn().Err(err).Str("file", name).Msg("purge export artifact")
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info().Int("removed", removed).Msg("export artifacts purged")
	}
	return removed, nil
}

// exportRun holds the state of one export shared by its job callbacks.
type exportRun struct {
	e      *Exporter
	userID string
	jobID  string
	count  int
}

func (r *exportRun) partPath() string  { return filepath.Join(r.e.dir, r.jobID+partSuffix) }
func (r *exportRun) finalPath() string { return filepath.Join(r.e.dir, r.jobID+zipSuffix) }

func (r *exportRun) work(ctx context.Context, p *jobs.Progress) (jobs.Result, error) {
	r.jobID, _ = jobs.IDFromContext(ctx)
	r.record(ctx, jobs.StateRunning, "", "")

	ids, err := r.e.notes.ListIDs(ctx, store.UserArgs{UserID: r.userID})
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	fetch := p.Phase(0, 50)
	notes := make([]domain.Note, 0, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.e.notes.Get(ctx, store.NoteRef{UserID: r.userID, ID: id})
		if err != nil {
			// deleted between list and fetch
			if errors.Is(err, store.ErrNotFound) {
				fetch.Step(i+1, len(ids))
				continue
			}
			return nil, fmt.Errorf("fetch note %s: %w", id, err)
		}
		notes = append(notes, n)
		fetch.Step(i+1, len(ids))
	}
	fetch.Done()

	if err := r.write(ctx, notes, p.Phase(50, 100)); err != nil {
		return nil, err
	}
	if err := os.Rename(r.partPath(), r.finalPath()); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	r.count = len(notes)
	return jobs.Result{"path": r.finalPath(), "notes": len(notes)}, nil
}

func (r *exportRun) write(ctx context.Context, notes []domain.Note, phase *jobs.Phase) error {
	f, err := os.Create(r.partPath())
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for i, n := range notes {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     entryName(i, n),
			Method:   zip.Deflate,
			Modified: n.UpdatedAt,
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "# %s\n\n%s\n", n.Title, n.Body); err != nil {
			return err
		}
		phase.Step(i+1, len(notes))
	}
	phase.Done()
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return f.Close()
}

func (r *exportRun) cleanup() error {
	var errs []error
	for _, p := range []string{r.partPath(), r.finalPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *exportRun) finish(ctx context.Context, jobID string, state jobs.State, err error) {
	r.jobID = jobID
	var path, msg string
	if state == jobs.StateDone {
		path = r.finalPath()
	}
	if err != nil && state == jobs.StateFailed {
		msg = err.Error()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.record(ctx, state, path, msg)
}

func (r *exportRun) record(ctx context.Context, state jobs.State, path, msg string) {
	_, err := r.e.history.Record(ctx, domain.ExportRecord{
		JobID:   r.jobID,
		UserID:  r.userID,
		State:   string(state),
		Path:    path,
		Message: msg,
		Notes:   r.count,
	})
	if err != nil {
		r.e.logger.Warn().Err(err).Str("job_id", r.jobID).Str("state", string(state)).Msg("export history not recorded")
	}
}

func entryName(i int, n domain.Note) string {
	title := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, n.Title)
	if title == "" {
		title = n.ID
	}
	return fmt.Sprintf("%03d_%s.md", i+1, title)
}
