// Package storage keeps completed acquisitions.
package storage

import (
	"context"
	"errors"

	"scrutiny-go/internal/model"
)

var ErrNotFound = errors.New("acquisition not found")

// Store persists acquisitions by reference id. List returns the most recent
// first; limit <= 0 means no limit.
type Store interface {
	Save(ctx context.Context, acq *model.Acquisition) error
	Get(ctx context.Context, referenceID string) (*model.Acquisition, error)
	List(ctx context.Context, limit int) ([]model.AcquisitionSummary, error)
	Delete(ctx context.Context, referenceID string) error
	Close() error
}
