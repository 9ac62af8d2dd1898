package state

import "errors"

// Caller errors. A call that returns one of these leaves the pool untouched.
var (
	ErrUnauthorized            = errors.New("caller not authorized")
	ErrInsufficientBalance     = errors.New("insufficient compounded balance")
	ErrNoUnlockRequest         = errors.New("no unlock request outstanding")
	ErrNotMatured              = errors.New("unlock request not matured")
	ErrSlippage                = errors.New("payout below minimum")
	ErrNothingToLiquidate      = errors.New("pool has no deposits to liquidate")
	ErrZeroAmount              = errors.New("amount must be positive")
	ErrUnknownStream           = errors.New("unknown reward stream")
	ErrStreamExists            = errors.New("reward stream already registered")
	ErrLiquidationNotPermitted = errors.New("liquidation not permitted")
)
