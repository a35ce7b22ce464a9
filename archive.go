package vectorizer

import (
	"fmt"
	"time"

	"github.com/hivellm/vectorizer/cache"
	"github.com/hivellm/vectorizer/model"
	"github.com/hivellm/vectorizer/persistence"
)

// archive captures the collection's full state for flushing. Mutations
// racing the capture land in the next flush.
func (c *Collection) archive() (*persistence.Archive, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var codecState []byte
	if c.codec != nil && c.codec.Trained() {
		state, err := c.codec.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal codec state: %w", err)
		}
		codecState = state
	}

	return &persistence.Archive{
		Name:       c.name,
		TenantID:   c.tenantID,
		Config:     c.cfg,
		CreatedAt:  c.createdAt,
		UpdatedAt:  time.Unix(0, c.updatedAt.Load()).UTC(),
		CodecState: codecState,
		Slots:      c.store.Export(),
		Graph:      c.dense.Dump(),
	}, nil
}

// collectionFromArchive reconstructs a collection. The sparse index is
// not archived; its postings are rebuilt from the stored records.
func collectionFromArchive(a *persistence.Archive, logger *Logger, metrics MetricsCollector, recordCache *cache.RecordCache) (*Collection, error) {
	c, err := newCollection(a.TenantID, a.Name, a.Config, logger, metrics, recordCache)
	if err != nil {
		return nil, err
	}

	c.createdAt = a.CreatedAt
	c.updatedAt.Store(a.UpdatedAt.UnixNano())

	if len(a.CodecState) > 0 && c.codec != nil {
		if err := c.codec.UnmarshalBinary(a.CodecState); err != nil {
			return nil, fmt.Errorf("restore codec state: %w", err)
		}
	}

	c.store.Import(a.Slots)
	if a.Graph != nil {
		c.dense.Restore(a.Graph)
	}

	if c.sparseIdx != nil {
		var sparseErr error
		c.store.IterateLive(func(slot model.Slot, _ string, _ []float32, sp *model.SparseVector) bool {
			if sp != nil {
				if err := c.sparseIdx.Insert(slot, sp); err != nil {
					sparseErr = err
					return false
				}
			}
			return true
		})
		if sparseErr != nil {
			return nil, fmt.Errorf("rebuild sparse index: %w", sparseErr)
		}
	}

	c.dirty.Store(false)
	return c, nil
}
