// Package archive persists terminal job results to object storage.
// Archival is best-effort: a failed archive never fails the transition
// that produced the result.
package archive

import (
	"context"
	"errors"

	"github.com/quantumhub/execgate/pkg/job"
)

var (
	// ErrNotArchived indicates no archived copy exists for the job.
	ErrNotArchived = errors.New("result not archived")

	// ErrUnavailable indicates a transient storage failure.
	ErrUnavailable = errors.New("archive storage unavailable")
)

// Archiver writes terminal results to durable storage.
type Archiver interface {
	// Archive stores the result. Overwrites any previous copy for the
	// same job id.
	Archive(ctx context.Context, res *job.Result) error

	// Fetch retrieves a previously archived result.
	Fetch(ctx context.Context, jobID string) (*job.Result, error)
}

// Nop discards everything. Used when archival is disabled.
type Nop struct{}

var _ Archiver = Nop{}

func (Nop) Archive(context.Context, *job.Result) error { return nil }

func (Nop) Fetch(context.Context, string) (*job.Result, error) {
	return nil, ErrNotArchived
}
