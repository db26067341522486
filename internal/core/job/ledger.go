package job

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Ledger is the durable record store for capture jobs. Records are created
// once at submission and then only updated in place.
type Ledger interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, id string, f Fields) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// Apply merges f into j, enforcing the monotonic status machine. A zero
// Status in f means "keep the current status". Terminal records are read-only.
func Apply(j *Job, f Fields) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s already %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if f.Status != "" && f.Status != j.Status {
		if !CanTransition(j.Status, f.Status) {
			return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, f.Status, j.ID)
		}
		j.Status = f.Status
	}
	if f.Artifact != nil {
		a := *f.Artifact
		j.Artifact = &a
	}
	if f.ErrorCode != nil {
		j.ErrorCode = *f.ErrorCode
	}
	if f.Error != nil {
		j.Error = *f.Error
	}
	if f.Attempts != nil {
		j.Attempts = *f.Attempts
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		j.StartedAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		j.CompletedAt = &t
	}
	if f.ElapsedMs != nil {
		j.ElapsedMs = *f.ElapsedMs
	}
	return nil
}
