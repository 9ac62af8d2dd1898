package state

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// UnlockRequest is a user's queued exit. It compounds under its own snapshot
// and stays liquidation-eligible until withdrawn.
type UnlockRequest struct {
	UserID    uuid.UUID
	Amount    *uint256.Int
	MaturesAt int64 // unix seconds
	Snapshot  Snapshot
}

func (r *UnlockRequest) Matured(now int64) bool {
	return now >= r.MaturesAt
}

// CanonicalBytes for deterministic hashing
func (r *UnlockRequest) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, r.UserID[:]...)
	buf = appendUint256(buf, r.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.MaturesAt))
	buf = r.Snapshot.appendCanonical(buf)
	return buf
}

// UnlockQueue holds at most one request per user.
type UnlockQueue struct {
	requests map[uuid.UUID]*UnlockRequest
	duration int64
}

func NewUnlockQueue(durationSeconds int64) *UnlockQueue {
	return &UnlockQueue{
		requests: make(map[uuid.UUID]*UnlockRequest),
		duration: durationSeconds,
	}
}

func (q *UnlockQueue) Duration() int64 { return q.duration }

func (q *UnlockQueue) Get(userID uuid.UUID) *UnlockRequest {
	return q.requests[userID]
}

// Enqueue merges amount into the user's request. The caller must have caught
// the existing request up to snap first. The maturity timer restarts for the
// merged amount, even when the earlier request had already matured.
func (q *UnlockQueue) Enqueue(userID uuid.UUID, amount *uint256.Int, snap Snapshot, now int64) *UnlockRequest {
	req, ok := q.requests[userID]
	if !ok {
		req = &UnlockRequest{UserID: userID, Amount: new(uint256.Int)}
		q.requests[userID] = req
	}
	req.Amount = new(uint256.Int).Add(req.Amount, amount)
	req.Snapshot = snap
	req.MaturesAt = now + q.duration
	return req
}

func (q *UnlockQueue) Remove(userID uuid.UUID) {
	delete(q.requests, userID)
}

func (q *UnlockQueue) Len() int { return len(q.requests) }

// All returns requests ordered by user id.
func (q *UnlockQueue) All() []*UnlockRequest {
	out := make([]*UnlockRequest, 0, len(q.requests))
	for _, r := range q.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0
	})
	return out
}

func (q *UnlockQueue) restore(r *UnlockRequest) {
	q.requests[r.UserID] = r
}
