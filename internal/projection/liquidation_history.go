package projection

import (
	"StabilityPool/internal/core"
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LiquidationEntry is one absorbed liquidation as shown to queries.
type LiquidationEntry struct {
	Sequence       int64
	Liquidator     uuid.UUID
	Amount         string
	Payout         string
	ActiveDebit    string
	UnlockingDebit string
	Forfeited      string
	Wiped          bool
	Epoch          uint64
	Scale          uint64
	Timestamp      time.Time
}

// entryFromOutput returns the liquidation an output carries, if any.
func entryFromOutput(o core.CoreOutput, liquidator uuid.UUID) LiquidationEntry {
	l := o.Liquidation
	return LiquidationEntry{
		Sequence:       o.Envelope.Sequence,
		Liquidator:     liquidator,
		Amount:         l.Amount.Dec(),
		Payout:         l.Payout.Dec(),
		ActiveDebit:    l.ActiveDebit.Dec(),
		UnlockingDebit: l.UnlockingDebit.Dec(),
		Forfeited:      l.Forfeited.Dec(),
		Wiped:          l.Wiped,
		Epoch:          l.Epoch,
		Scale:          l.Scale,
		Timestamp:      o.Envelope.Timestamp,
	}
}

// LiquidationHistory keeps the most recent liquidations in memory so the
// query service can serve them without a database round trip.
type LiquidationHistory struct {
	mu      sync.RWMutex
	entries []LiquidationEntry // ring buffer
	next    int
	full    bool
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 256
	}
	return &LiquidationHistory{entries: make([]LiquidationEntry, capacity)}
}

// Add records a liquidation, overwriting the oldest once full.
func (h *LiquidationHistory) Add(e LiquidationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to limit entries, newest first.
func (h *LiquidationHistory) Recent(limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = len(h.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]LiquidationEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.entries)) % len(h.entries)
		out = append(out, h.entries[idx])
	}
	return out
}

// Reset empties the ring.
func (h *LiquidationHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.entries)
	h.next, h.full = 0, false
}

// QueryLiquidations reads liquidation history below beforeSequence (0 for
// the newest), newest first.
func QueryLiquidations(ctx context.Context, db *sql.DB, beforeSequence int64, limit int) ([]LiquidationEntry, error) {
	if beforeSequence <= 0 {
		beforeSequence = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, liquidator, amount::text, payout::text, active_debit::text,
		       unlocking_debit::text, forfeited::text, wiped, epoch, scale, event_time
		FROM projections.liquidation_history
		WHERE sequence < $1
		ORDER BY sequence DESC
		LIMIT $2
	`, beforeSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var e LiquidationEntry
		if err := rows.Scan(
			&e.Sequence, &e.Liquidator, &e.Amount, &e.Payout, &e.ActiveDebit,
			&e.UnlockingDebit, &e.Forfeited, &e.Wiped, &e.Epoch, &e.Scale, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
