package ingestion_test

import (
	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, subject, eventType string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:    subject,
		EventType:  eventType,
		Data:       data,
		ReceivedAt: time.Now(),
		AckFunc:    func() {},
		NakFunc:    func() {},
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       "1000000000000000000000",
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "pool.deposit.frontend", "Deposit", payload)
	evt, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := evt.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", evt)
	}
	if d.Amount.Dec() != "1000000000000000000000" {
		t.Errorf("amount: got %s", d.Amount.Dec())
	}
	if d.Receiver.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("receiver: got %s", d.Receiver)
	}
	if d.SourceSequence() != 42 {
		t.Errorf("sequence: got %d, want 42", d.SourceSequence())
	}
	if d.Partition() != "nats:pool.deposit.frontend" {
		t.Errorf("partition: got %s", d.Partition())
	}
	if d.Timestamp().Unix() != 1_700_000_000 {
		t.Errorf("timestamp: got %d", d.Timestamp().Unix())
	}
}

func TestParseOverridesPayloadSource(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"source":       "api",
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.checkpoint.keeper", "Checkpoint", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.Partition() != "nats:pool.checkpoint.keeper" {
		t.Errorf("partition: got %s", evt.Partition())
	}
}

func TestParseLiquidateDropsPayoutReceived(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":        "550e8400-e29b-41d4-a716-446655440000",
		"liquidator":      "00000000-0000-0000-0000-00000000000a",
		"amount":          "500",
		"min_payout_out":  "200",
		"payout_received": "999999",
		"sequence":        int64(7),
		"timestamp_us":    int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.liquidate.vault", "Liquidate", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	l, ok := evt.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", evt)
	}
	if l.PayoutReceived != nil {
		t.Errorf("payout_received should be ignored, got %s", l.PayoutReceived.Dec())
	}
	if l.MinPayoutOut.Dec() != "200" {
		t.Errorf("min_payout_out: got %s", l.MinPayoutOut.Dec())
	}
}

func TestParseClaimReward(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"token":        "OP",
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.rewards.claim.app", "ClaimReward", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	c, ok := evt.(*event.ClaimReward)
	if !ok {
		t.Fatalf("expected *event.ClaimReward, got %T", evt)
	}
	if c.Token != "OP" {
		t.Errorf("token: got %s", c.Token)
	}
}

func TestParseRejectsMissingTimestamp(t *testing.T) {
	payload := map[string]interface{}{
		"event_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":  "660e8400-e29b-41d4-a716-446655440001",
		"amount":   "10",
		"sequence": int64(1),
	}

	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.deposit.x", "Deposit", payload))
	if err == nil || !strings.Contains(err.Error(), "timestamp_us") {
		t.Fatalf("expected timestamp error, got %v", err)
	}
}

func TestParseRejectsMissingSequence(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"timestamp_us": int64(1700000000000000),
	}

	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.withdraw.x", "WithdrawUnlocked", payload))
	if err == nil {
		t.Fatal("expected error for missing sequence")
	}
}

func TestParseRejectsBadAmount(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       "-5",
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.unlock.x", "Unlock", payload))
	if err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestParseUnknownEventType(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.x", "TradeFill", map[string]interface{}{}))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestDefaultSubjectsDoNotOverlapOutbound(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range ingestion.DefaultSubjects() {
		if strings.HasPrefix(s.Subject, ingestion.OutboundSubjectPrefix) {
			t.Errorf("inbound subject %s overlaps outbound stream", s.Subject)
		}
		if seen[s.ConsumerName] {
			t.Errorf("duplicate consumer %s", s.ConsumerName)
		}
		seen[s.ConsumerName] = true
		if event.ParseEventType(s.EventType) == event.EventTypeUnknown {
			t.Errorf("subject %s maps to unknown type %s", s.Subject, s.EventType)
		}
	}
}
