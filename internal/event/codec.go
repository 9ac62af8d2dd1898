package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// base-unit decimal strings.

type metaJSON struct {
	EventID     string `json:"event_id"`
	Source      string `json:"source,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type depositJSON struct {
	metaJSON
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

type userJSON struct {
	metaJSON
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

type liquidateJSON struct {
	metaJSON
	Liquidator     string `json:"liquidator"`
	Amount         string `json:"amount"`
	MinPayoutOut   string `json:"min_payout_out,omitempty"`
	PayoutReceived string `json:"payout_received,omitempty"`
}

type streamJSON struct {
	metaJSON
	Token         string `json:"token"`
	Manager       string `json:"manager"`
	PeriodSeconds int64  `json:"period_seconds,omitempty"`
	Amount        string `json:"amount,omitempty"`
}

// Marshal encodes evt in its JSON wire format.
func Marshal(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case *Deposit:
		return json.Marshal(depositJSON{metaJSON: encodeMeta(e.Meta), UserID: e.Receiver.String(), Amount: decString(e.Amount)})
	case *Unlock:
		return json.Marshal(depositJSON{metaJSON: encodeMeta(e.Meta), UserID: e.User.String(), Amount: decString(e.Amount)})
	case *WithdrawUnlocked:
		return json.Marshal(userJSON{metaJSON: encodeMeta(e.Meta), UserID: e.User.String()})
	case *Checkpoint:
		return json.Marshal(userJSON{metaJSON: encodeMeta(e.Meta), UserID: e.User.String()})
	case *ClaimPayout:
		return json.Marshal(userJSON{metaJSON: encodeMeta(e.Meta), UserID: e.User.String()})
	case *ClaimReward:
		return json.Marshal(userJSON{metaJSON: encodeMeta(e.Meta), UserID: e.User.String(), Token: e.Token})
	case *Liquidate:
		return json.Marshal(liquidateJSON{
			metaJSON:       encodeMeta(e.Meta),
			Liquidator:     e.Liquidator.String(),
			Amount:         decString(e.Amount),
			MinPayoutOut:   decString(e.MinPayoutOut),
			PayoutReceived: decString(e.PayoutReceived),
		})
	case *RegisterRewardStream:
		return json.Marshal(streamJSON{
			metaJSON:      encodeMeta(e.Meta),
			Token:         e.Token,
			Manager:       e.Manager.String(),
			PeriodSeconds: e.PeriodSeconds,
		})
	case *NotifyReward:
		return json.Marshal(streamJSON{
			metaJSON: encodeMeta(e.Meta),
			Token:    e.Token,
			Manager:  e.Manager.String(),
			Amount:   decString(e.Amount),
		})
	default:
		return nil, fmt.Errorf("marshal: unsupported event %T", evt)
	}
}

// Unmarshal decodes a wire payload of the named event type.
func Unmarshal(eventType string, data []byte) (Event, error) {
	switch ParseEventType(eventType) {
	case EventTypeDeposit:
		var j depositJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse Deposit: %w", err)
		}
		meta, user, amount, err := decodeAmountEvent(j)
		if err != nil {
			return nil, fmt.Errorf("parse Deposit: %w", err)
		}
		return &Deposit{Meta: meta, Receiver: user, Amount: amount}, nil

	case EventTypeUnlock:
		var j depositJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse Unlock: %w", err)
		}
		meta, user, amount, err := decodeAmountEvent(j)
		if err != nil {
			return nil, fmt.Errorf("parse Unlock: %w", err)
		}
		return &Unlock{Meta: meta, User: user, Amount: amount}, nil

	case EventTypeWithdrawUnlocked, EventTypeCheckpoint, EventTypeClaimPayout, EventTypeClaimReward:
		return decodeUserEvent(eventType, data)

	case EventTypeLiquidate:
		return decodeLiquidate(data)

	case EventTypeRegisterRewardStream, EventTypeNotifyReward:
		return decodeStreamEvent(eventType, data)

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

func decodeUserEvent(eventType string, data []byte) (Event, error) {
	var j userJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	meta, err := decodeMeta(j.metaJSON)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse %s user_id: %w", eventType, err)
	}

	switch ParseEventType(eventType) {
	case EventTypeWithdrawUnlocked:
		return &WithdrawUnlocked{Meta: meta, User: user}, nil
	case EventTypeCheckpoint:
		return &Checkpoint{Meta: meta, User: user}, nil
	case EventTypeClaimPayout:
		return &ClaimPayout{Meta: meta, User: user}, nil
	default:
		if j.Token == "" {
			return nil, fmt.Errorf("parse %s: token is required", eventType)
		}
		return &ClaimReward{Meta: meta, User: user, Token: j.Token}, nil
	}
}

func decodeLiquidate(data []byte) (*Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	meta, err := decodeMeta(j.metaJSON)
	if err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	liquidator, err := uuid.Parse(j.Liquidator)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator: %w", err)
	}
	amount, err := parseDecimal("amount", j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}

	evt := &Liquidate{Meta: meta, Liquidator: liquidator, Amount: amount, MinPayoutOut: new(uint256.Int)}
	if j.MinPayoutOut != "" {
		if evt.MinPayoutOut, err = parseDecimal("min_payout_out", j.MinPayoutOut); err != nil {
			return nil, fmt.Errorf("parse Liquidate: %w", err)
		}
	}
	if j.PayoutReceived != "" {
		if evt.PayoutReceived, err = parseDecimal("payout_received", j.PayoutReceived); err != nil {
			return nil, fmt.Errorf("parse Liquidate: %w", err)
		}
	}
	return evt, nil
}

func decodeStreamEvent(eventType string, data []byte) (Event, error) {
	var j streamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	meta, err := decodeMeta(j.metaJSON)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	if j.Token == "" {
		return nil, fmt.Errorf("parse %s: token is required", eventType)
	}
	manager, err := uuid.Parse(j.Manager)
	if err != nil {
		return nil, fmt.Errorf("parse %s manager: %w", eventType, err)
	}

	if ParseEventType(eventType) == EventTypeRegisterRewardStream {
		return &RegisterRewardStream{Meta: meta, Token: j.Token, Manager: manager, PeriodSeconds: j.PeriodSeconds}, nil
	}
	amount, err := parseDecimal("amount", j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	return &NotifyReward{Meta: meta, Token: j.Token, Manager: manager, Amount: amount}, nil
}

func decodeAmountEvent(j depositJSON) (Meta, uuid.UUID, *uint256.Int, error) {
	meta, err := decodeMeta(j.metaJSON)
	if err != nil {
		return Meta{}, uuid.Nil, nil, err
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return Meta{}, uuid.Nil, nil, fmt.Errorf("user_id: %w", err)
	}
	amount, err := parseDecimal("amount", j.Amount)
	if err != nil {
		return Meta{}, uuid.Nil, nil, err
	}
	return meta, user, amount, nil
}

func encodeMeta(m Meta) metaJSON {
	return metaJSON{
		EventID:     m.EventID.String(),
		Source:      m.Source,
		Sequence:    m.Sequence,
		TimestampUs: m.OccurredAt.UnixMicro(),
	}
}

func decodeMeta(j metaJSON) (Meta, error) {
	id, err := uuid.Parse(j.EventID)
	if err != nil {
		return Meta{}, fmt.Errorf("event_id: %w", err)
	}
	return Meta{
		EventID:    id,
		Source:     j.Source,
		Sequence:   j.Sequence,
		OccurredAt: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func parseDecimal(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return v, nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
