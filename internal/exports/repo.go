package exports

import (
	"context"
	"time"

	"workerbus/internal/domain"
	"workerbus/internal/jobs"
	"workerbus/internal/repository"
)

// Scope is the repository the processor worker serves exports under.
const Scope = "export"

type StartArgs struct {
	UserID string `json:"user_id"`
}

type StartResult struct {
	JobID string `json:"job_id"`
}

type JobRef struct {
	UserID string `json:"user_id"`
	JobID  string `json:"job_id"`
}

type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type PurgeResult struct {
	Removed int `json:"removed"`
}

// Register adds the export repository to reg. Archives older than retention
// are removed by purgeArtifacts.
func (e *Exporter) Register(reg *repository.Registry, retention time.Duration) {
	repo := reg.Repository(Scope)
	repository.Add(repo, "start", func(_ context.Context, a StartArgs) (StartResult, error) {
		id, err := e.Start(a.UserID)
		return StartResult{JobID: id}, err
	})
	repository.Add(repo, "cancel", func(_ context.Context, a JobRef) (CancelResult, error) {
		return CancelResult{Cancelled: e.Cancel(a.UserID, a.JobID)}, nil
	})
	repository.Add(repo, "status", func(_ context.Context, a JobRef) (jobs.Info, error) {
		return e.Status(a.UserID, a.JobID)
	})
	repository.Add(repo, "purgeArtifacts", func(context.Context, struct{}) (PurgeResult, error) {
		n, err := e.PurgeArtifacts(retention)
		return PurgeResult{Removed: n}, err
	})
}

// Client calls the export repository on the processor worker.
type Client struct {
	Start          repository.Func[StartArgs, StartResult]
	Cancel         repository.Func[JobRef, CancelResult]
	Status         repository.Func[JobRef, jobs.Info]
	PurgeArtifacts repository.Func[struct{}, PurgeResult]
}

func NewClient(inv repository.Invoker) Client {
	return Client{
		Start:          repository.Bind[StartArgs, StartResult](inv, domain.WorkerProcessor, Scope, "start"),
		Cancel:         repository.Bind[JobRef, CancelResult](inv, domain.WorkerProcessor, Scope, "cancel"),
		Status:         repository.Bind[JobRef, jobs.Info](inv, domain.WorkerProcessor, Scope, "status"),
		PurgeArtifacts: repository.Bind[struct{}, PurgeResult](inv, domain.WorkerProcessor, Scope, "purgeArtifacts"),
	}
}
