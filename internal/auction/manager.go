package auction

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Manager holds the pool registry and the live batch per pool. The core
// owns the single writer goroutine; Manager is not thread-safe.
type Manager struct {
	pools map[uuid.UUID]*Pool
	live  map[uuid.UUID]*Batch
}

func NewManager() *Manager {
	return &Manager{
		pools: make(map[uuid.UUID]*Pool),
		live:  make(map[uuid.UUID]*Batch),
	}
}

// CreatePool registers a pool
func (m *Manager) CreatePool(p *Pool) error {
	if _, exists := m.pools[p.PoolID]; exists {
		return fmt.Errorf("%w: %s", ErrPoolExists, p.PoolID)
	}
	if p.BaseAsset == p.QuoteAsset {
		return fmt.Errorf("pool %s: base and quote assets must differ", p.PoolID)
	}
	if p.FeeRateBps < 0 || p.FeeRateBps >= 10_000 {
		return fmt.Errorf("pool %s: fee rate out of range [0,10000): %d", p.PoolID, p.FeeRateBps)
	}
	m.pools[p.PoolID] = p
	return nil
}

// GetPool returns a registered pool
func (m *Manager) GetPool(poolID uuid.UUID) (*Pool, error) {
	p, ok := m.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	return p, nil
}

// LiveBatch returns the pool's current batch, settled or not
func (m *Manager) LiveBatch(poolID uuid.UUID) (*Batch, bool) {
	b, ok := m.live[poolID]
	return b, ok
}

// OpenBatch starts a new round on a pool. A new batch may only start
// once the prior one has settled; the commit and reveal deadlines come
// from the event timestamp, never from the wall clock.
func (m *Manager) OpenBatch(poolID, batchID uuid.UUID, ts time.Time, params Params) (*Batch, error) {
	if _, err := m.GetPool(poolID); err != nil {
		return nil, err
	}

	if prev, ok := m.live[poolID]; ok && prev.Phase != PhaseSettled {
		return nil, fmt.Errorf("%w: pool %s has unsettled batch %s in phase %s",
			ErrPhaseViolation, poolID, prev.BatchID, prev.Phase)
	}

	commitEnd := ts.Add(params.CommitDuration)
	b := &Batch{
		BatchID:   batchID,
		PoolID:    poolID,
		Phase:     PhaseUninitialized,
		CommitEnd: commitEnd,
		RevealEnd: commitEnd.Add(params.RevealDuration),
	}
	if err := b.TransitionTo(PhaseCommit); err != nil {
		return nil, err
	}

	m.live[poolID] = b
	return b, nil
}

// Tick advances phase clocks against the tick timestamp. Batches whose
// commit window has lapsed move to Reveal immediately; batches whose
// reveal window has lapsed are returned for settlement, still in the
// Reveal phase; the caller settles and then marks them Settled so the
// whole settlement is one atomic unit. transitioned reports whether any
// phase advanced, so callers can skip logging no-op ticks. Pools are
// walked in a fixed order to keep replay deterministic.
func (m *Manager) Tick(now time.Time) (toSettle []*Batch, transitioned bool, err error) {
	poolIDs := make([]uuid.UUID, 0, len(m.live))
	for id := range m.live {
		poolIDs = append(poolIDs, id)
	}
	sort.Slice(poolIDs, func(i, j int) bool {
		return bytes.Compare(poolIDs[i][:], poolIDs[j][:]) < 0
	})

	for _, id := range poolIDs {
		b := m.live[id]

		if b.Phase == PhaseCommit && !now.Before(b.CommitEnd) {
			if terr := b.TransitionTo(PhaseReveal); terr != nil {
				return nil, transitioned, terr
			}
			transitioned = true
		}

		if b.Phase == PhaseReveal && !now.Before(b.RevealEnd) {
			toSettle = append(toSettle, b)
		}
	}

	return toSettle, transitioned, nil
}

// === Snapshot support ===

// GetAllPools returns every registered pool
func (m *Manager) GetAllPools() []*Pool {
	result := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		result = append(result, p)
	}
	return result
}

// GetAllLiveBatches returns every pool's current batch
func (m *Manager) GetAllLiveBatches() []*Batch {
	result := make([]*Batch, 0, len(m.live))
	for _, b := range m.live {
		result = append(result, b)
	}
	return result
}

// SetPool directly installs a pool (used for snapshot restore)
func (m *Manager) SetPool(p *Pool) {
	m.pools[p.PoolID] = p
}

// SetLiveBatch directly installs a batch (used for snapshot restore)
func (m *Manager) SetLiveBatch(b *Batch) {
	m.live[b.PoolID] = b
}
