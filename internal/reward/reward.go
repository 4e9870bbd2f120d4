// Package reward turns per-game contribution records into exact token
// distributions. Scores combine through fixed weights, emission halves
// each era, and the final share list always sums to the adjusted total
// with no dust left behind.
package reward

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	fpmath "BatchAuction/internal/math"
)

// ErrZeroContribution rejects a distribution whose participants carry
// no weight at all; there is nobody to pay.
var ErrZeroContribution = errors.New("total weighted contribution is zero")

// Quality multiplier bounds, fixed-point. Submissions outside the band
// are rejected rather than clamped.
const (
	MinQualityMultiplier = 500_000
	MaxQualityMultiplier = 1_500_000
)

// Component weights, fixed-point fractions of one.
const (
	directWeight    = 400_000
	timeWeight      = 300_000
	scarcityWeight  = 200_000
	stabilityWeight = 100_000
)

// ReputationOracle resolves a participant's submitted quality
// multiplier to the one the distribution will actually use.
type ReputationOracle interface {
	QualityMultiplier(participant uuid.UUID, submitted int64) (int64, error)
}

// PassthroughOracle accepts any submission inside the multiplier band
// unchanged. Deployments with an external reputation feed replace this.
type PassthroughOracle struct{}

func (PassthroughOracle) QualityMultiplier(participant uuid.UUID, submitted int64) (int64, error) {
	if submitted < MinQualityMultiplier || submitted > MaxQualityMultiplier {
		return 0, fmt.Errorf("quality multiplier %d for %s outside [%d, %d]",
			submitted, participant, MinQualityMultiplier, MaxQualityMultiplier)
	}
	return submitted, nil
}

// Contribution is one participant's record for a single game. Scores
// are fixed-point and must be non-negative; the quality multiplier has
// already passed the oracle.
type Contribution struct {
	Participant       uuid.UUID
	DirectScore       int64
	DaysParticipating int64
	ScarcityScore     int64
	StabilityScore    int64
	QualityMultiplier int64
}

// Share is one participant's final allocation.
type Share struct {
	Participant uuid.UUID
	Amount      int64
}

// Distribution is the settled outcome for one game.
type Distribution struct {
	GameID        uuid.UUID
	TotalValue    int64
	AdjustedTotal int64
	Era           int64
	Shares        []Share
}

// EmissionMultiplier returns the fixed-point emission factor for an
// era: full at era zero, halved each era after, zero beyond the
// configured horizon. Eras at or past 63 are zero regardless so the
// shift stays in range.
func EmissionMultiplier(era, maxEra int64) (int64, error) {
	if era < 0 {
		return 0, fmt.Errorf("era must be non-negative: %d", era)
	}
	if era > maxEra || era >= 63 {
		return 0, nil
	}
	return fpmath.WeightConfig.Scale >> uint(era), nil
}

// WeightedScore folds one contribution into a single fixed-point
// weight. The time component grows logarithmically: doubling the days
// participating adds a constant increment.
func WeightedScore(c *Contribution) (int64, error) {
	if c.DirectScore < 0 || c.ScarcityScore < 0 || c.StabilityScore < 0 {
		return 0, fmt.Errorf("negative score for %s", c.Participant)
	}
	if c.DaysParticipating < 0 {
		return 0, fmt.Errorf("negative participation days for %s", c.Participant)
	}
	if c.QualityMultiplier < MinQualityMultiplier || c.QualityMultiplier > MaxQualityMultiplier {
		return 0, fmt.Errorf("quality multiplier %d for %s outside [%d, %d]",
			c.QualityMultiplier, c.Participant, MinQualityMultiplier, MaxQualityMultiplier)
	}

	// time score = log2(days + 1) / 10
	timeScore := fpmath.MulDiv(
		fpmath.Log2Fixed(c.DaysParticipating+1, fpmath.WeightConfig.Scale),
		100_000, fpmath.WeightConfig.Scale, fpmath.RoundDown)

	base := fpmath.MulDiv(c.DirectScore, directWeight, fpmath.WeightConfig.Scale, fpmath.RoundDown) +
		fpmath.MulDiv(timeScore, timeWeight, fpmath.WeightConfig.Scale, fpmath.RoundDown) +
		fpmath.MulDiv(c.ScarcityScore, scarcityWeight, fpmath.WeightConfig.Scale, fpmath.RoundDown) +
		fpmath.MulDiv(c.StabilityScore, stabilityWeight, fpmath.WeightConfig.Scale, fpmath.RoundDown)

	return fpmath.MulDiv(base, c.QualityMultiplier, fpmath.WeightConfig.Scale, fpmath.RoundDown), nil
}

// Allocate splits a game's value across contributors in proportion to
// their weighted scores. Every share floors except the last positive
// weight, which absorbs the rounding remainder so the total matches
// the adjusted value exactly. Zero-weight participants appear with a
// zero share.
func Allocate(gameID uuid.UUID, totalValue, era, maxEra int64, contributions []*Contribution) (*Distribution, error) {
	if totalValue < 0 {
		return nil, fmt.Errorf("total value must be non-negative: %d", totalValue)
	}

	multiplier, err := EmissionMultiplier(era, maxEra)
	if err != nil {
		return nil, err
	}
	adjusted := fpmath.MulDiv(totalValue, multiplier, fpmath.WeightConfig.Scale, fpmath.RoundDown)

	weights := make([]int64, len(contributions))
	var totalWeight int64
	lastPositive := -1
	for i, c := range contributions {
		w, err := WeightedScore(c)
		if err != nil {
			return nil, err
		}
		weights[i] = w
		totalWeight += w
		if w > 0 {
			lastPositive = i
		}
	}
	if totalWeight == 0 {
		return nil, fmt.Errorf("%w: game %s", ErrZeroContribution, gameID)
	}

	dist := &Distribution{
		GameID:        gameID,
		TotalValue:    totalValue,
		AdjustedTotal: adjusted,
		Era:           era,
		Shares:        make([]Share, len(contributions)),
	}

	var allocated int64
	for i, c := range contributions {
		var amount int64
		if weights[i] > 0 && i != lastPositive {
			amount = fpmath.MulDiv(adjusted, weights[i], totalWeight, fpmath.RoundDown)
			allocated += amount
		}
		dist.Shares[i] = Share{Participant: c.Participant, Amount: amount}
	}
	dist.Shares[lastPositive].Amount = adjusted - allocated

	return dist, nil
}
