// Package store persists the entity pool between batch runs. The pipeline
// loads the prior pool at the start of a run and commits the whole working
// graph atomically at the end; nothing is ever written mid-batch.
package store

import (
	"context"
	"errors"

	"github.com/tororo-hospice/datawash/internal/entity"
)

// ErrReportNotFound is returned by Report for an unknown batch id.
var ErrReportNotFound = errors.New("store: batch report not found")

// Snapshot is one committed batch: the full entity graph after the batch,
// plus the serialized run report.
type Snapshot struct {
	BatchID string
	Graph   *entity.Graph
	Report  []byte
}

// Store loads the prior pool and commits batch snapshots.
//
// CommitBatch must be atomic: either the entire snapshot becomes the new
// pool or the prior pool is untouched.
type Store interface {
	LoadPool(ctx context.Context) (*entity.Graph, error)
	CommitBatch(ctx context.Context, snap Snapshot) error
	Report(ctx context.Context, batchID string) ([]byte, error)
}
