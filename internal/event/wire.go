package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Wire formats for event payloads. The same encoding is used on the
// inbound NATS subjects, in the event log's payload column, and on
// replay, so a stored event always parses back into the typed form
// that produced it. Field names use snake_case to match upstream
// producers; 32-byte hashes and secrets travel as lowercase hex.

type createPoolWire struct {
	PoolCreationID string `json:"pool_creation_id"`
	PoolID         string `json:"pool_id"`
	BaseAsset      string `json:"base_asset"`
	QuoteAsset     string `json:"quote_asset"`
	FeeRateBps     int64  `json:"fee_rate_bps"`
	ReserveBase    int64  `json:"reserve_base"`
	ReserveQuote   int64  `json:"reserve_quote"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

type fundAccountWire struct {
	FundID      string `json:"fund_id"`
	TraderID    string `json:"trader_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type openBatchWire struct {
	BatchID     string `json:"batch_id"`
	PoolID      string `json:"pool_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type commitOrderWire struct {
	CommitID      string `json:"commit_id"`
	PoolID        string `json:"pool_id"`
	BatchID       string `json:"batch_id"`
	TraderID      string `json:"trader_id"`
	CommitHash    string `json:"commit_hash"`
	Deposit       int64  `json:"deposit"`
	ExecutionStep uint64 `json:"execution_step"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

type revealOrderWire struct {
	RevealID      string `json:"reveal_id"`
	PoolID        string `json:"pool_id"`
	BatchID       string `json:"batch_id"`
	TraderID      string `json:"trader_id"`
	TokenIn       string `json:"token_in"`
	TokenOut      string `json:"token_out"`
	AmountIn      int64  `json:"amount_in"`
	MinAmountOut  int64  `json:"min_amount_out"`
	PriorityBid   int64  `json:"priority_bid"`
	Secret        string `json:"secret"`
	ExecutionStep uint64 `json:"execution_step"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

type clockTickWire struct {
	Sequence    int64 `json:"sequence"`
	TimestampUs int64 `json:"timestamp_us"`
}

type contributionRecordWire struct {
	Participant        string `json:"participant"`
	DirectContribution int64  `json:"direct_contribution"`
	TimeInPoolDays     int64  `json:"time_in_pool_days"`
	ScarcityScore      int64  `json:"scarcity_score"`
	StabilityScore     int64  `json:"stability_score"`
	QualityMultiplier  int64  `json:"quality_multiplier"`
}

type distributeGameWire struct {
	GameID      string                   `json:"game_id"`
	Asset       string                   `json:"asset"`
	TotalValue  int64                    `json:"total_value"`
	Era         int64                    `json:"era"`
	Records     []contributionRecordWire `json:"records"`
	Sequence    int64                    `json:"sequence"`
	TimestampUs int64                    `json:"timestamp_us"`
}

// MarshalPayload serializes an event into its wire JSON form.
func MarshalPayload(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case *CreatePool:
		return json.Marshal(createPoolWire{
			PoolCreationID: e.PoolCreationID.String(),
			PoolID:         e.PoolUUID.String(),
			BaseAsset:      e.BaseAsset,
			QuoteAsset:     e.QuoteAsset,
			FeeRateBps:     e.FeeRateBps,
			ReserveBase:    e.ReserveBase,
			ReserveQuote:   e.ReserveQuote,
			Sequence:       e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})
	case *FundAccount:
		return json.Marshal(fundAccountWire{
			FundID:      e.FundID.String(),
			TraderID:    e.TraderID.String(),
			Asset:       e.Asset,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *OpenBatch:
		return json.Marshal(openBatchWire{
			BatchID:     e.BatchUUID.String(),
			PoolID:      e.PoolUUID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *CommitOrder:
		return json.Marshal(commitOrderWire{
			CommitID:      e.CommitID.String(),
			PoolID:        e.PoolUUID.String(),
			BatchID:       e.BatchUUID.String(),
			TraderID:      e.TraderID.String(),
			CommitHash:    hex.EncodeToString(e.CommitHash[:]),
			Deposit:       e.Deposit,
			ExecutionStep: e.ExecutionStep,
			Sequence:      e.Sequence,
			TimestampUs:   e.Timestamp.UnixMicro(),
		})
	case *RevealOrder:
		return json.Marshal(revealOrderWire{
			RevealID:      e.RevealID.String(),
			PoolID:        e.PoolUUID.String(),
			BatchID:       e.BatchUUID.String(),
			TraderID:      e.TraderID.String(),
			TokenIn:       e.TokenIn,
			TokenOut:      e.TokenOut,
			AmountIn:      e.AmountIn,
			MinAmountOut:  e.MinAmountOut,
			PriorityBid:   e.PriorityBid,
			Secret:        hex.EncodeToString(e.Secret[:]),
			ExecutionStep: e.ExecutionStep,
			Sequence:      e.Sequence,
			TimestampUs:   e.Timestamp.UnixMicro(),
		})
	case *ClockTick:
		return json.Marshal(clockTickWire{
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *DistributeGame:
		records := make([]contributionRecordWire, 0, len(e.Records))
		for _, r := range e.Records {
			records = append(records, contributionRecordWire{
				Participant:        r.Participant.String(),
				DirectContribution: r.DirectContribution,
				TimeInPoolDays:     r.TimeInPoolDays,
				ScarcityScore:      r.ScarcityScore,
				StabilityScore:     r.StabilityScore,
				QualityMultiplier:  r.QualityMultiplier,
			})
		}
		return json.Marshal(distributeGameWire{
			GameID:      e.GameID.String(),
			Asset:       e.Asset,
			TotalValue:  e.TotalValue,
			Era:         e.Era,
			Records:     records,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("marshal payload: unknown event type %T", evt)
	}
}

// UnmarshalPayload parses wire JSON back into the typed event for the
// given discriminator.
func UnmarshalPayload(et EventType, data []byte) (Event, error) {
	switch et {
	case EventTypeCreatePool:
		return unmarshalCreatePool(data)
	case EventTypeFundAccount:
		return unmarshalFundAccount(data)
	case EventTypeOpenBatch:
		return unmarshalOpenBatch(data)
	case EventTypeCommitOrder:
		return unmarshalCommitOrder(data)
	case EventTypeRevealOrder:
		return unmarshalRevealOrder(data)
	case EventTypeClockTick:
		return unmarshalClockTick(data)
	case EventTypeDistributeGame:
		return unmarshalDistributeGame(data)
	default:
		return nil, fmt.Errorf("unmarshal payload: unknown event type %d", et)
	}
}

func unmarshalCreatePool(data []byte) (*CreatePool, error) {
	var w createPoolWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse CreatePool: %w", err)
	}
	creationID, err := uuid.Parse(w.PoolCreationID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_creation_id: %w", err)
	}
	poolID, err := uuid.Parse(w.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	return &CreatePool{
		PoolCreationID: creationID,
		PoolUUID:       poolID,
		BaseAsset:      w.BaseAsset,
		QuoteAsset:     w.QuoteAsset,
		FeeRateBps:     w.FeeRateBps,
		ReserveBase:    w.ReserveBase,
		ReserveQuote:   w.ReserveQuote,
		Sequence:       w.Sequence,
		Timestamp:      time.UnixMicro(w.TimestampUs),
	}, nil
}

func unmarshalFundAccount(data []byte) (*FundAccount, error) {
	var w fundAccountWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse FundAccount: %w", err)
	}
	fundID, err := uuid.Parse(w.FundID)
	if err != nil {
		return nil, fmt.Errorf("parse fund_id: %w", err)
	}
	traderID, err := uuid.Parse(w.TraderID)
	if err != nil {
		return nil, fmt.Errorf("parse trader_id: %w", err)
	}
	return &FundAccount{
		FundID:    fundID,
		TraderID:  traderID,
		Asset:     w.Asset,
		Amount:    w.Amount,
		Sequence:  w.Sequence,
		Timestamp: time.UnixMicro(w.TimestampUs),
	}, nil
}

func unmarshalOpenBatch(data []byte) (*OpenBatch, error) {
	var w openBatchWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse OpenBatch: %w", err)
	}
	batchID, err := uuid.Parse(w.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	poolID, err := uuid.Parse(w.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	return &OpenBatch{
		BatchUUID: batchID,
		PoolUUID:  poolID,
		Sequence:  w.Sequence,
		Timestamp: time.UnixMicro(w.TimestampUs),
	}, nil
}

func unmarshalCommitOrder(data []byte) (*CommitOrder, error) {
	var w commitOrderWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse CommitOrder: %w", err)
	}
	commitID, err := uuid.Parse(w.CommitID)
	if err != nil {
		return nil, fmt.Errorf("parse commit_id: %w", err)
	}
	poolID, err := uuid.Parse(w.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	batchID, err := uuid.Parse(w.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	traderID, err := uuid.Parse(w.TraderID)
	if err != nil {
		return nil, fmt.Errorf("parse trader_id: %w", err)
	}
	hash, err := parseHex32(w.CommitHash)
	if err != nil {
		return nil, fmt.Errorf("parse commit_hash: %w", err)
	}
	return &CommitOrder{
		CommitID:      commitID,
		PoolUUID:      poolID,
		BatchUUID:     batchID,
		TraderID:      traderID,
		CommitHash:    hash,
		Deposit:       w.Deposit,
		ExecutionStep: w.ExecutionStep,
		Sequence:      w.Sequence,
		Timestamp:     time.UnixMicro(w.TimestampUs),
	}, nil
}

func unmarshalRevealOrder(data []byte) (*RevealOrder, error) {
	var w revealOrderWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse RevealOrder: %w", err)
	}
	revealID, err := uuid.Parse(w.RevealID)
	if err != nil {
		return nil, fmt.Errorf("parse reveal_id: %w", err)
	}
	poolID, err := uuid.Parse(w.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	batchID, err := uuid.Parse(w.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	traderID, err := uuid.Parse(w.TraderID)
	if err != nil {
		return nil, fmt.Errorf("parse trader_id: %w", err)
	}
	secret, err := parseHex32(w.Secret)
	if err != nil {
		return nil, fmt.Errorf("parse secret: %w", err)
	}
	return &RevealOrder{
		RevealID:      revealID,
		PoolUUID:      poolID,
		BatchUUID:     batchID,
		TraderID:      traderID,
		TokenIn:       w.TokenIn,
		TokenOut:      w.TokenOut,
		AmountIn:      w.AmountIn,
		MinAmountOut:  w.MinAmountOut,
		PriorityBid:   w.PriorityBid,
		Secret:        secret,
		ExecutionStep: w.ExecutionStep,
		Sequence:      w.Sequence,
		Timestamp:     time.UnixMicro(w.TimestampUs),
	}, nil
}

func unmarshalClockTick(data []byte) (*ClockTick, error) {
	var w clockTickWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse ClockTick: %w", err)
	}
	return &ClockTick{
		Sequence:  w.Sequence,
		Timestamp: time.UnixMicro(w.TimestampUs),
	}, nil
}

func unmarshalDistributeGame(data []byte) (*DistributeGame, error) {
	var w distributeGameWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse DistributeGame: %w", err)
	}
	gameID, err := uuid.Parse(w.GameID)
	if err != nil {
		return nil, fmt.Errorf("parse game_id: %w", err)
	}
	records := make([]ContributionRecord, 0, len(w.Records))
	for i, r := range w.Records {
		participant, err := uuid.Parse(r.Participant)
		if err != nil {
			return nil, fmt.Errorf("parse records[%d].participant: %w", i, err)
		}
		records = append(records, ContributionRecord{
			Participant:        participant,
			DirectContribution: r.DirectContribution,
			TimeInPoolDays:     r.TimeInPoolDays,
			ScarcityScore:      r.ScarcityScore,
			StabilityScore:     r.StabilityScore,
			QualityMultiplier:  r.QualityMultiplier,
		})
	}
	return &DistributeGame{
		GameID:     gameID,
		Asset:      w.Asset,
		TotalValue: w.TotalValue,
		Era:        w.Era,
		Records:    records,
		Sequence:   w.Sequence,
		Timestamp:  time.UnixMicro(w.TimestampUs),
	}, nil
}

func parseHex32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
