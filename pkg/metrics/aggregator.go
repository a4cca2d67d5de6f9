package metrics

import (
	"context"

	"github.com/block/s3gc/pkg/vault"
)

// Status is the admin surface's GET /admin/s3gc/status payload.
type Status struct {
	LastRunAt    string `json:"last_run_at"`
	TotalRuns    int64  `json:"total_runs"`
	TotalDeleted int64  `json:"total_deleted"`
	Mode         string `json:"mode"`
}

// Aggregates is the admin surface's GET /admin/s3gc/metrics payload: the
// last cycle's full counters, per §4.4.
type Aggregates struct {
	OperationID     string `json:"operation_id"`
	Mode            string `json:"mode"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at"`
	Listed          int64  `json:"listed"`
	CandidatesFound int64  `json:"candidates_found"`
	VerifiedOrphans int64  `json:"verified_orphans"`
	DeletedCount    int64  `json:"deleted_count"`
	Skipped         int64  `json:"skipped"`
	ErrorsLen       int64  `json:"errors_len"`
}

// Aggregator derives admin-facing summaries from the vault, the only
// durable store that already tracks every cycle's lifecycle and counters.
type Aggregator struct {
	Vault *vault.Vault
}

// Status reports total run/delete counts and the most recent cycle's mode.
func (a *Aggregator) Status(ctx context.Context) (Status, error) {
	totalRuns, err := a.Vault.TotalRuns(ctx)
	if err != nil {
		return Status{}, err
	}
	totalDeleted, err := a.Vault.TotalDeleted(ctx)
	if err != nil {
		return Status{}, err
	}
	last, ok, err := a.Vault.LastOperation(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{TotalRuns: totalRuns, TotalDeleted: totalDeleted}
	if ok {
		status.LastRunAt = last.StartedAt
		status.Mode = last.Mode
	}
	return status, nil
}

// LastCycle reports the most recent cycle's full counters, or ok=false if no
// cycle has ever run.
func (a *Aggregator) LastCycle(ctx context.Context) (Aggregates, bool, error) {
	last, ok, err := a.Vault.LastOperation(ctx)
	if err != nil || !ok {
		return Aggregates{}, ok, err
	}
	return Aggregates{
		OperationID:     last.OperationID,
		Mode:            last.Mode,
		StartedAt:       last.StartedAt,
		EndedAt:         last.EndedAt,
		Listed:          last.Listed,
		CandidatesFound: last.Candidates,
		VerifiedOrphans: last.Orphans,
		DeletedCount:    last.Deleted,
		Skipped:         last.Skipped,
		ErrorsLen:       last.ErrorsLen,
	}, true, nil
}

// OperationsPage is one page of GET /admin/s3gc/operations.
type OperationsPage struct {
	Items      []vault.OperationSummary `json:"items"`
	NextCursor string                   `json:"next_cursor"`
}

// Operations lists operations newest-first, paginated by cursor.
func (a *Aggregator) Operations(ctx context.Context, limit int, cursor string) (OperationsPage, error) {
	items, next, err := a.Vault.ListOperations(ctx, limit, cursor)
	if err != nil {
		return OperationsPage{}, err
	}
	return OperationsPage{Items: items, NextCursor: next}, nil
}
