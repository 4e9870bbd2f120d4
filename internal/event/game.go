package event

import (
	"time"

	"github.com/google/uuid"
)

// ContributionRecord is one participant's standing in a reward game.
// Scores are fixed-point at weight scale: scores in [0, 1e6], quality
// multiplier in [5e5, 15e5].
type ContributionRecord struct {
	Participant        uuid.UUID
	DirectContribution int64
	TimeInPoolDays     int64
	ScarcityScore      int64
	StabilityScore     int64
	QualityMultiplier  int64
}

// DistributeGame settles one reward game: the era-adjusted total value
// is split across participants by weighted contribution, exactly.
type DistributeGame struct {
	GameID     uuid.UUID
	Asset      string
	TotalValue int64 // Fixed-point
	Era        int64
	Records    []ContributionRecord
	Timestamp  time.Time
	Sequence   int64
}

func (g *DistributeGame) IdempotencyKey() string {
	return g.GameID.String()
}

func (g *DistributeGame) EventType() EventType {
	return EventTypeDistributeGame
}

func (g *DistributeGame) PoolID() *string {
	return nil // Global event
}

func (g *DistributeGame) SourceSequence() int64 {
	return g.Sequence
}
