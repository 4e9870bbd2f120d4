package reward_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"BatchAuction/internal/reward"
)

func contribution(direct, days, scarcity, stability, quality int64) *reward.Contribution {
	return &reward.Contribution{
		Participant:       uuid.New(),
		DirectScore:       direct,
		DaysParticipating: days,
		ScarcityScore:     scarcity,
		StabilityScore:    stability,
		QualityMultiplier: quality,
	}
}

// ============================================================================
// Emission schedule
// ============================================================================

func TestEmissionMultiplierHalvesPerEra(t *testing.T) {
	tests := []struct {
		era  int64
		want int64
	}{
		{0, 1_000_000},
		{1, 500_000},
		{2, 250_000},
		{3, 125_000},
		{10, 976},
		{33, 0},  // beyond max era
		{100, 0}, // beyond shift range as well
	}
	for _, tt := range tests {
		got, err := reward.EmissionMultiplier(tt.era, 32)
		if err != nil {
			t.Fatalf("EmissionMultiplier(%d) failed: %v", tt.era, err)
		}
		if got != tt.want {
			t.Errorf("EmissionMultiplier(%d) = %d, want %d", tt.era, got, tt.want)
		}
	}

	if _, err := reward.EmissionMultiplier(-1, 32); err == nil {
		t.Error("expected error for negative era")
	}
}

// ============================================================================
// Weighted scores
// ============================================================================

func TestWeightedScoreComponents(t *testing.T) {
	// Direct only: 1.0 * 0.4 = 0.4.
	w, err := reward.WeightedScore(contribution(1_000_000, 0, 0, 0, 1_000_000))
	if err != nil {
		t.Fatalf("WeightedScore failed: %v", err)
	}
	if w != 400_000 {
		t.Errorf("direct-only weight = %d, want 400000", w)
	}

	// One day adds log2(2)*0.1 = 0.1 time score, weighted 0.3.
	w, err = reward.WeightedScore(contribution(1_000_000, 1, 0, 0, 1_000_000))
	if err != nil {
		t.Fatalf("WeightedScore failed: %v", err)
	}
	if w != 430_000 {
		t.Errorf("one-day weight = %d, want 430000", w)
	}

	// Quality multiplier scales the whole thing.
	w, err = reward.WeightedScore(contribution(1_000_000, 0, 0, 0, 1_500_000))
	if err != nil {
		t.Fatalf("WeightedScore failed: %v", err)
	}
	if w != 600_000 {
		t.Errorf("boosted weight = %d, want 600000", w)
	}
}

func TestWeightedScoreRejectsBadInputs(t *testing.T) {
	if _, err := reward.WeightedScore(contribution(-1, 0, 0, 0, 1_000_000)); err == nil {
		t.Error("expected error for negative direct score")
	}
	if _, err := reward.WeightedScore(contribution(0, -1, 0, 0, 1_000_000)); err == nil {
		t.Error("expected error for negative days")
	}
	if _, err := reward.WeightedScore(contribution(0, 0, 0, 0, 499_999)); err == nil {
		t.Error("expected error for multiplier below band")
	}
	if _, err := reward.WeightedScore(contribution(0, 0, 0, 0, 1_500_001)); err == nil {
		t.Error("expected error for multiplier above band")
	}
}

func TestPassthroughOracleValidatesBand(t *testing.T) {
	oracle := reward.PassthroughOracle{}
	p := uuid.New()

	got, err := oracle.QualityMultiplier(p, 1_200_000)
	if err != nil {
		t.Fatalf("QualityMultiplier failed: %v", err)
	}
	if got != 1_200_000 {
		t.Errorf("multiplier = %d, want passthrough 1200000", got)
	}
	if _, err := oracle.QualityMultiplier(p, 400_000); err == nil {
		t.Error("expected rejection below band")
	}
}

// ============================================================================
// Allocation
// ============================================================================

func TestAllocateExactSum(t *testing.T) {
	contribs := []*reward.Contribution{
		contribution(900_000, 5, 100_000, 0, 1_000_000),
		contribution(300_000, 30, 0, 500_000, 1_200_000),
		contribution(1_000_000, 0, 0, 0, 700_000),
	}

	dist, err := reward.Allocate(uuid.New(), 1_000_003, 0, 32, contribs)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if dist.AdjustedTotal != 1_000_003 {
		t.Errorf("adjusted total = %d, want full value at era 0", dist.AdjustedTotal)
	}

	var sum int64
	for _, s := range dist.Shares {
		if s.Amount < 0 {
			t.Errorf("negative share for %s: %d", s.Participant, s.Amount)
		}
		sum += s.Amount
	}
	if sum != dist.AdjustedTotal {
		t.Errorf("share sum = %d, want exactly %d", sum, dist.AdjustedTotal)
	}
}

func TestAllocateHalvedEra(t *testing.T) {
	contribs := []*reward.Contribution{
		contribution(1_000_000, 0, 0, 0, 1_000_000),
	}

	dist, err := reward.Allocate(uuid.New(), 1_000_000, 1, 32, contribs)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if dist.AdjustedTotal != 500_000 {
		t.Errorf("adjusted total = %d, want 500000 at era 1", dist.AdjustedTotal)
	}
	if dist.Shares[0].Amount != 500_000 {
		t.Errorf("sole share = %d, want 500000", dist.Shares[0].Amount)
	}
}

func TestAllocateZeroWeightParticipant(t *testing.T) {
	idle := contribution(0, 0, 0, 0, 1_000_000)
	active := contribution(1_000_000, 0, 0, 0, 1_000_000)

	dist, err := reward.Allocate(uuid.New(), 777, 0, 32, []*reward.Contribution{idle, active})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if dist.Shares[0].Amount != 0 {
		t.Errorf("idle share = %d, want 0", dist.Shares[0].Amount)
	}
	if dist.Shares[1].Amount != 777 {
		t.Errorf("active share = %d, want 777", dist.Shares[1].Amount)
	}
}

func TestAllocateAllZeroFails(t *testing.T) {
	contribs := []*reward.Contribution{
		contribution(0, 0, 0, 0, 1_000_000),
		contribution(0, 0, 0, 0, 900_000),
	}
	_, err := reward.Allocate(uuid.New(), 1000, 0, 32, contribs)
	if !errors.Is(err, reward.ErrZeroContribution) {
		t.Fatalf("expected ErrZeroContribution, got %v", err)
	}
}

func TestAllocateRemainderGoesToLastPositiveWeight(t *testing.T) {
	equal := func() *reward.Contribution {
		return contribution(1_000_000, 0, 0, 0, 1_000_000)
	}
	contribs := []*reward.Contribution{equal(), equal(), contribution(0, 0, 0, 0, 1_000_000)}

	dist, err := reward.Allocate(uuid.New(), 101, 0, 32, contribs)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if dist.Shares[0].Amount != 50 {
		t.Errorf("first share = %d, want floored 50", dist.Shares[0].Amount)
	}
	if dist.Shares[1].Amount != 51 {
		t.Errorf("last positive share = %d, want 51 with remainder", dist.Shares[1].Amount)
	}
	if dist.Shares[2].Amount != 0 {
		t.Errorf("trailing zero-weight share = %d, want 0", dist.Shares[2].Amount)
	}
}

func TestPropAllocateAlwaysSumsExactly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		contribs := make([]*reward.Contribution, 0, n)
		for i := 0; i < n; i++ {
			contribs = append(contribs, contribution(
				rapid.Int64Range(0, 2_000_000).Draw(t, "direct"),
				rapid.Int64Range(0, 10_000).Draw(t, "days"),
				rapid.Int64Range(0, 2_000_000).Draw(t, "scarcity"),
				rapid.Int64Range(0, 2_000_000).Draw(t, "stability"),
				rapid.Int64Range(500_000, 1_500_000).Draw(t, "quality"),
			))
		}
		totalValue := rapid.Int64Range(0, 1_000_000_000_000).Draw(t, "totalValue")
		era := rapid.Int64Range(0, 40).Draw(t, "era")

		dist, err := reward.Allocate(uuid.New(), totalValue, era, 32, contribs)
		if err != nil {
			// Tiny scores can floor to zero collective weight; that
			// rejection is itself correct behavior.
			if errors.Is(err, reward.ErrZeroContribution) {
				return
			}
			t.Fatalf("Allocate failed: %v", err)
		}

		var sum int64
		for _, s := range dist.Shares {
			if s.Amount < 0 {
				t.Fatalf("negative share: %d", s.Amount)
			}
			sum += s.Amount
		}
		if sum != dist.AdjustedTotal {
			t.Fatalf("share sum %d != adjusted total %d", sum, dist.AdjustedTotal)
		}
	})
}
