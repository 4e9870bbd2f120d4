// Package commitment tracks sealed order commitments through the
// commit and reveal windows and prices the ones that never open.
package commitment

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"BatchAuction/internal/auction"
	fpmath "BatchAuction/internal/math"
	"BatchAuction/internal/shuffle"
)

var (
	// ErrInvalidReveal covers every reveal that does not open its
	// commitment: wrong hash preimage, wrong execution step, or an
	// order the pool rejects. The commitment stays sealed and the
	// trader may retry inside the window.
	ErrInvalidReveal = errors.New("reveal does not match commitment")

	// ErrSameStepReuse rejects a commit whose execution step does not
	// advance the trader's per-pool counter. Replayed commits land here.
	ErrSameStepReuse = errors.New("execution step already used")

	ErrNoCommitment     = errors.New("no commitment for trader")
	ErrAlreadyRevealed  = errors.New("commitment already revealed")
	ErrAlreadyCommitted = errors.New("trader already committed in batch")
	ErrDepositTooSmall  = errors.New("deposit below minimum")

	// ErrUndercollateralized rejects a reveal whose bond cannot cover
	// the collateral ratio against the revealed trade size.
	ErrUndercollateralized = errors.New("deposit does not collateralize order")

	// ErrTransferFailed marks a treasury leg that could not execute
	// during a slash; the whole deposit refunds instead.
	ErrTransferFailed = errors.New("treasury transfer failed")
)

// TreasurySink receives the forfeited portion of slashed bonds.
// Implementations that cannot complete the transfer return an error
// (wrapping ErrTransferFailed) and the slash converts to a full refund.
type TreasurySink interface {
	TransferToTreasury(trader uuid.UUID, amount int64) error
}

// Commitment is one trader's sealed order in one batch. Order and
// Secret are populated on reveal.
type Commitment struct {
	CommitID    uuid.UUID      `json:"commit_id"`
	PoolID      uuid.UUID      `json:"pool_id"`
	BatchID     uuid.UUID      `json:"batch_id"`
	Trader      uuid.UUID      `json:"trader"`
	Hash        [32]byte       `json:"hash"`
	Deposit     int64          `json:"deposit"`
	Step        uint64         `json:"step"`
	Position    int            `json:"position"` // acceptance order within the batch
	CommittedAt time.Time      `json:"committed_at"`
	Revealed    bool           `json:"revealed"`
	RevealedAt  time.Time      `json:"revealed_at,omitempty"`
	Secret      [32]byte       `json:"secret,omitempty"`
	Order       *auction.Order `json:"order,omitempty"`
}

// SlashOutcome is the split of one unrevealed deposit: the floored
// slash portion to the treasury, the rest (dust included) back to the
// trader.
type SlashOutcome struct {
	Trader      uuid.UUID
	CommitID    uuid.UUID
	Deposit     int64
	TreasuryCut int64
	Refund      int64
}

type batchKey struct {
	poolID  uuid.UUID
	batchID uuid.UUID
}

type stepKey struct {
	poolID uuid.UUID
	trader uuid.UUID
}

type batchCommitments struct {
	byTrader map[uuid.UUID]*Commitment
	order    []uuid.UUID // acceptance order
	revealed int
}

// Store holds commitments for every live batch plus the per-trader
// execution step high-water marks. Not thread-safe; the core is the
// single writer.
type Store struct {
	batches map[batchKey]*batchCommitments
	steps   map[stepKey]uint64
}

func NewStore() *Store {
	return &Store{
		batches: make(map[batchKey]*batchCommitments),
		steps:   make(map[stepKey]uint64),
	}
}

// Commit seals a new commitment. The phase and window checks belong to
// the caller; the store owns deposit floor, duplicate and step checks.
func (s *Store) Commit(params auction.Params, commitID, poolID, batchID, trader uuid.UUID, hash [32]byte, deposit int64, step uint64, at time.Time) (*Commitment, error) {
	if deposit < params.MinDeposit {
		return nil, fmt.Errorf("%w: %d < %d", ErrDepositTooSmall, deposit, params.MinDeposit)
	}

	key := batchKey{poolID: poolID, batchID: batchID}
	bc := s.batches[key]
	if bc == nil {
		bc = &batchCommitments{byTrader: make(map[uuid.UUID]*Commitment)}
		s.batches[key] = bc
	}
	if _, ok := bc.byTrader[trader]; ok {
		return nil, fmt.Errorf("%w: trader %s batch %s", ErrAlreadyCommitted, trader, batchID)
	}

	sk := stepKey{poolID: poolID, trader: trader}
	if last, ok := s.steps[sk]; ok && step <= last {
		return nil, fmt.Errorf("%w: step %d <= last %d", ErrSameStepReuse, step, last)
	}

	c := &Commitment{
		CommitID:    commitID,
		PoolID:      poolID,
		BatchID:     batchID,
		Trader:      trader,
		Hash:        hash,
		Deposit:     deposit,
		Step:        step,
		Position:    len(bc.order),
		CommittedAt: at,
	}
	bc.byTrader[trader] = c
	bc.order = append(bc.order, trader)
	s.steps[sk] = step
	return c, nil
}

// Reveal opens a commitment. The order arrives without an index; the
// store assigns the batch reveal position on success. A failed reveal
// leaves the commitment sealed so the trader can retry in-window.
func (s *Store) Reveal(pool *auction.Pool, batchID, trader uuid.UUID, o *auction.Order, secret [32]byte, step uint64, params auction.Params, at time.Time) (*auction.Order, error) {
	bc := s.batches[batchKey{poolID: pool.PoolID, batchID: batchID}]
	if bc == nil {
		return nil, fmt.Errorf("%w: trader %s batch %s", ErrNoCommitment, trader, batchID)
	}
	c, ok := bc.byTrader[trader]
	if !ok {
		return nil, fmt.Errorf("%w: trader %s batch %s", ErrNoCommitment, trader, batchID)
	}
	if c.Revealed {
		return nil, fmt.Errorf("%w: trader %s batch %s", ErrAlreadyRevealed, trader, batchID)
	}
	if step != c.Step {
		return nil, fmt.Errorf("%w: step %d committed as %d", ErrInvalidReveal, step, c.Step)
	}

	// The digest covers the order as committed, trader included. Stamp
	// the trader before hashing so callers pass just the wire fields.
	revealed := *o
	revealed.Trader = trader

	if err := pool.ValidateOrder(&revealed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReveal, err)
	}
	if shuffle.CommitDigest(&revealed, secret, c.Deposit) != shuffle.Digest(c.Hash) {
		return nil, fmt.Errorf("%w: hash mismatch", ErrInvalidReveal)
	}

	// deposit * 10000 must cover amount_in * collateral_bps
	lhs := fpmath.MultiplyInt128(c.Deposit, fpmath.BpsScale)
	rhs := fpmath.MultiplyInt128(revealed.AmountIn, params.CollateralBps)
	if lhs.Cmp(rhs) < 0 {
		return nil, fmt.Errorf("%w: deposit %d for amount %d", ErrUndercollateralized, c.Deposit, revealed.AmountIn)
	}

	revealed.OrderIndex = bc.revealed

	c.Revealed = true
	c.RevealedAt = at
	c.Secret = secret
	c.Order = &revealed
	bc.revealed++

	return &revealed, nil
}

// Get returns a trader's commitment in a batch, if any
func (s *Store) Get(poolID, batchID, trader uuid.UUID) *Commitment {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return nil
	}
	return bc.byTrader[trader]
}

// CommittedCount returns how many commitments a batch holds
func (s *Store) CommittedCount(poolID, batchID uuid.UUID) int {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return 0
	}
	return len(bc.order)
}

// RevealedCount returns how many commitments in a batch have opened
func (s *Store) RevealedCount(poolID, batchID uuid.UUID) int {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return 0
	}
	return bc.revealed
}

// RevealedOrders returns the batch's opened orders sorted by reveal
// position.
func (s *Store) RevealedOrders(poolID, batchID uuid.UUID) []*auction.Order {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return nil
	}
	orders := make([]*auction.Order, 0, bc.revealed)
	for _, trader := range bc.order {
		if c := bc.byTrader[trader]; c.Revealed {
			orders = append(orders, c.Order)
		}
	}
	sort.Slice(orders, func(a, b int) bool {
		return orders[a].OrderIndex < orders[b].OrderIndex
	})
	return orders
}

// RevealedSecrets returns the opened secrets in acceptance order. The
// seed fold is order-independent, so acceptance order is just a stable
// choice.
func (s *Store) RevealedSecrets(poolID, batchID uuid.UUID) [][32]byte {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return nil
	}
	secrets := make([][32]byte, 0, bc.revealed)
	for _, trader := range bc.order {
		if c := bc.byTrader[trader]; c.Revealed {
			secrets = append(secrets, c.Secret)
		}
	}
	return secrets
}

// RevealedDeposits returns trader to deposit for every opened
// commitment, for bond refunds at settlement.
func (s *Store) RevealedDeposits(poolID, batchID uuid.UUID) []*Commitment {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return nil
	}
	out := make([]*Commitment, 0, bc.revealed)
	for _, trader := range bc.order {
		if c := bc.byTrader[trader]; c.Revealed {
			out = append(out, c)
		}
	}
	return out
}

// SlashOutcomes prices every unrevealed commitment in a batch: the
// slash rate floors toward the treasury and the remainder, rounding
// dust included, refunds to the trader. Outcomes follow acceptance
// order.
func (s *Store) SlashOutcomes(poolID, batchID uuid.UUID, params auction.Params) []SlashOutcome {
	bc := s.batches[batchKey{poolID: poolID, batchID: batchID}]
	if bc == nil {
		return nil
	}
	outcomes := make([]SlashOutcome, 0, len(bc.order)-bc.revealed)
	for _, trader := range bc.order {
		c := bc.byTrader[trader]
		if c.Revealed {
			continue
		}
		cut := fpmath.BpsOf(c.Deposit, params.SlashRateBps)
		outcomes = append(outcomes, SlashOutcome{
			Trader:      c.Trader,
			CommitID:    c.CommitID,
			Deposit:     c.Deposit,
			TreasuryCut: cut,
			Refund:      c.Deposit - cut,
		})
	}
	return outcomes
}

// DropBatch releases a settled batch's commitments. Step high-water
// marks survive; they guard across batches.
func (s *Store) DropBatch(poolID, batchID uuid.UUID) {
	delete(s.batches, batchKey{poolID: poolID, batchID: batchID})
}

// StepRecord is one trader's step high-water mark in one pool
type StepRecord struct {
	PoolID uuid.UUID `json:"pool_id"`
	Trader uuid.UUID `json:"trader"`
	Step   uint64    `json:"step"`
}

// State is the store's snapshot form
type State struct {
	Commitments []*Commitment `json:"commitments"`
	Steps       []StepRecord  `json:"steps"`
}

// Export returns a deterministic snapshot of live commitments and step
// marks.
func (s *Store) Export() *State {
	st := &State{}
	for _, bc := range s.batches {
		for _, trader := range bc.order {
			st.Commitments = append(st.Commitments, bc.byTrader[trader])
		}
	}
	sort.Slice(st.Commitments, func(a, b int) bool {
		ca, cb := st.Commitments[a], st.Commitments[b]
		if ca.PoolID != cb.PoolID {
			return bytes.Compare(ca.PoolID[:], cb.PoolID[:]) < 0
		}
		if ca.BatchID != cb.BatchID {
			return bytes.Compare(ca.BatchID[:], cb.BatchID[:]) < 0
		}
		return ca.Position < cb.Position
	})

	for k, step := range s.steps {
		st.Steps = append(st.Steps, StepRecord{PoolID: k.poolID, Trader: k.trader, Step: step})
	}
	sort.Slice(st.Steps, func(a, b int) bool {
		sa, sb := st.Steps[a], st.Steps[b]
		if sa.PoolID != sb.PoolID {
			return bytes.Compare(sa.PoolID[:], sb.PoolID[:]) < 0
		}
		return bytes.Compare(sa.Trader[:], sb.Trader[:]) < 0
	})
	return st
}

// Restore rebuilds the store from a snapshot
func (s *Store) Restore(st *State) {
	s.batches = make(map[batchKey]*batchCommitments)
	s.steps = make(map[stepKey]uint64)
	if st == nil {
		return
	}
	for _, c := range st.Commitments {
		key := batchKey{poolID: c.PoolID, batchID: c.BatchID}
		bc := s.batches[key]
		if bc == nil {
			bc = &batchCommitments{byTrader: make(map[uuid.UUID]*Commitment)}
			s.batches[key] = bc
		}
		bc.byTrader[c.Trader] = c
		bc.order = append(bc.order, c.Trader)
		if c.Revealed {
			bc.revealed++
		}
	}
	for _, rec := range st.Steps {
		s.steps[stepKey{poolID: rec.PoolID, trader: rec.Trader}] = rec.Step
	}
}
