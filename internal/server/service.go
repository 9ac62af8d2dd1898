package server

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/query"
	"StabilityPool/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Commander applies commands to the pool.
type Commander interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// SnapshotTaker takes a snapshot on demand and returns its sequence.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// Rebuilder rebuilds the projection tables from the event log.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int64, error)
}

// OracleSwitch is the operator control over liquidations.
type OracleSwitch interface {
	SetPermitted(permitted bool)
	Permitted() bool
}

// Deps holds everything the pool service reaches into. Nil admin
// dependencies make their endpoints return Unimplemented.
type Deps struct {
	Commands  Commander
	Queries   *query.QueryService
	Snapshots SnapshotTaker
	Rebuilder Rebuilder
	Oracle    OracleSwitch
}

// PoolService implements every RPC. The gRPC methods and the HTTP routes
// both call into it.
type PoolService struct {
	deps Deps
}

func NewPoolService(deps Deps) *PoolService {
	return &PoolService{deps: deps}
}

func (*PoolService) isPoolServer() {}

// --- Wire types ---

// CommandRequest is an event in its JSON wire format (see internal/event).
// event_id is required: it is the idempotency key.
type CommandRequest = json.RawMessage

type ReceiptResponse struct {
	Sequence    int64               `json:"sequence"`
	Duplicate   bool                `json:"duplicate"`
	StateHash   string              `json:"state_hash,omitempty"`
	Amount      string              `json:"amount,omitempty"`
	Voided      bool                `json:"voided,omitempty"`
	Unlock      *UnlockReceipt      `json:"unlock,omitempty"`
	Checkpoint  *CheckpointReceipt  `json:"checkpoint,omitempty"`
	Liquidation *LiquidationReceipt `json:"liquidation,omitempty"`
}

type UnlockReceipt struct {
	Queued    string `json:"queued"`
	MaturesAt int64  `json:"matures_at"`
}

type CheckpointReceipt struct {
	Active    string `json:"active"`
	Unlocking string `json:"unlocking"`
	Voided    bool   `json:"voided"`
}

type LiquidationReceipt struct {
	Amount         string `json:"amount"`
	Payout         string `json:"payout"`
	ActiveDebit    string `json:"active_debit"`
	UnlockingDebit string `json:"unlocking_debit"`
	Forfeited      string `json:"forfeited"`
	Wiped          bool   `json:"wiped"`
	Epoch          uint64 `json:"epoch"`
	Scale          uint64 `json:"scale"`
}

type Empty struct{}

type DepositorRequest struct {
	UserID string `json:"user_id"`
	At     int64  `json:"at,omitempty"`
}

type ClaimableRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	At     int64  `json:"at,omitempty"`
}

type LiquidationsRequest struct {
	// Recent reads the in-memory ring instead of the projection table.
	Recent bool  `json:"recent,omitempty"`
	Before int64 `json:"before,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

type HistoryRequest struct {
	Account string `json:"account,omitempty"`
	Before  int64  `json:"before,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type OracleRequest struct {
	Permitted bool `json:"permitted"`
}

type OracleResponse struct {
	Permitted bool `json:"permitted"`
}

type RebuildResponse struct {
	LastSequence int64 `json:"last_sequence"`
}

// --- Commands ---

// Submit decodes a command of the given event type and applies it.
func (s *PoolService) Submit(ctx context.Context, eventType string, body []byte) (*ReceiptResponse, error) {
	evt, err := event.Unmarshal(eventType, body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	receipt, err := s.deps.Commands.Submit(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}
	return receiptResponse(receipt), nil
}

func receiptResponse(r *core.Receipt) *ReceiptResponse {
	resp := &ReceiptResponse{Sequence: r.Sequence, Duplicate: r.Duplicate, Voided: r.Voided}
	if r.Duplicate {
		return resp
	}
	resp.StateHash = hex.EncodeToString(r.StateHash[:])
	if r.Amount != nil {
		resp.Amount = r.Amount.Dec()
	}
	if u := r.Unlock; u != nil {
		resp.Unlock = &UnlockReceipt{Queued: u.Queued.Dec(), MaturesAt: u.MaturesAt}
	}
	if c := r.Checkpoint; c != nil {
		resp.Checkpoint = &CheckpointReceipt{Active: c.Active.Dec(), Unlocking: c.Unlocking.Dec(), Voided: c.Voided}
	}
	if l := r.Liquidation; l != nil {
		resp.Liquidation = &LiquidationReceipt{
			Amount:         l.Amount.Dec(),
			Payout:         l.Payout.Dec(),
			ActiveDebit:    l.ActiveDebit.Dec(),
			UnlockingDebit: l.UnlockingDebit.Dec(),
			Forfeited:      l.Forfeited.Dec(),
			Wiped:          l.Wiped,
			Epoch:          l.Epoch,
			Scale:          l.Scale,
		}
	}
	return resp
}

// --- Queries ---

func (s *PoolService) GetPool(_ context.Context, _ *Empty) (*query.PoolResponse, error) {
	return s.deps.Queries.GetPool(), nil
}

func (s *PoolService) GetDepositor(_ context.Context, req *DepositorRequest) (*query.DepositorResponse, error) {
	user, err := parseUser(req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Queries.GetDepositor(user, req.At)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *PoolService) GetClaimable(_ context.Context, req *ClaimableRequest) (*query.ClaimableResponse, error) {
	user, err := parseUser(req.UserID)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	resp, err := s.deps.Queries.GetClaimable(user, req.Token, req.At)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *PoolService) GetLiquidations(ctx context.Context, req *LiquidationsRequest) (*query.LiquidationsResponse, error) {
	if req.Recent {
		return s.deps.Queries.RecentLiquidations(req.Limit), nil
	}
	resp, err := s.deps.Queries.GetLiquidationHistory(ctx, req.Before, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *PoolService) GetPoolHistory(ctx context.Context, req *HistoryRequest) (*query.PoolHistoryResponse, error) {
	resp, err := s.deps.Queries.GetPoolHistory(ctx, req.Before, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *PoolService) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*query.JournalHistoryResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	resp, err := s.deps.Queries.GetJournalHistory(ctx, req.Account, req.Before, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *PoolService) GetAccounts(_ context.Context, _ *Empty) (*query.AccountsResponse, error) {
	return s.deps.Queries.GetAccounts(), nil
}

// --- Admin ---

func (s *PoolService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.Snapshots == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots not configured")
	}
	seq, err := s.deps.Snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *PoolService) SetOracle(_ context.Context, req *OracleRequest) (*OracleResponse, error) {
	if s.deps.Oracle == nil {
		return nil, status.Error(codes.Unimplemented, "oracle switch not configured")
	}
	s.deps.Oracle.SetPermitted(req.Permitted)
	return &OracleResponse{Permitted: s.deps.Oracle.Permitted()}, nil
}

func (s *PoolService) GetOracle(_ context.Context, _ *Empty) (*OracleResponse, error) {
	if s.deps.Oracle == nil {
		return nil, status.Error(codes.Unimplemented, "oracle switch not configured")
	}
	return &OracleResponse{Permitted: s.deps.Oracle.Permitted()}, nil
}

func (s *PoolService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.deps.Queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *PoolService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.deps.Rebuilder == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild not configured")
	}
	last, err := s.deps.Rebuilder.Rebuild(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{LastSequence: last}, nil
}

// --- Helpers ---

func parseUser(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid user_id: %v", err)
	}
	return id, nil
}

// toStatus maps pool errors onto gRPC codes. Errors that already carry a
// status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, state.ErrUnauthorized), errors.Is(err, state.ErrLiquidationNotPermitted):
		code = codes.PermissionDenied
	case errors.Is(err, state.ErrInsufficientBalance),
		errors.Is(err, state.ErrNoUnlockRequest),
		errors.Is(err, state.ErrNotMatured),
		errors.Is(err, state.ErrNothingToLiquidate):
		code = codes.FailedPrecondition
	case errors.Is(err, state.ErrZeroAmount):
		code = codes.InvalidArgument
	case errors.Is(err, state.ErrSlippage):
		code = codes.Aborted
	case errors.Is(err, state.ErrUnknownStream):
		code = codes.NotFound
	case errors.Is(err, state.ErrStreamExists):
		code = codes.AlreadyExists
	case errors.Is(err, query.ErrNoDatabase):
		code = codes.Unavailable
	case strings.Contains(err.Error(), "sequence validation failed"):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}

func mustEventType(name string) string {
	if event.ParseEventType(name) == event.EventTypeUnknown {
		panic(fmt.Sprintf("unknown event type %q", name))
	}
	return name
}
