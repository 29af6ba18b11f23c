package state

import "errors"

var (
	ErrInvalidAmount           = errors.New("state: amount must be greater than zero")
	ErrLoanNotFound            = errors.New("state: loan not found")
	ErrInsufficientCollateral  = errors.New("state: insufficient collateral")
	ErrUndercollateralized     = errors.New("state: position would be undercollateralized")
	ErrOutstandingDebt         = errors.New("state: loan has outstanding debt")
	ErrNothingToLiquidate      = errors.New("state: nothing to liquidate")
	ErrNotUndercollateralized  = errors.New("state: position is not undercollateralized")
	ErrInsufficientPoolBalance = errors.New("state: insufficient lending pool balance")
	ErrRequestNotFound         = errors.New("state: withdrawal request not found")
	ErrRequestIDOverflow       = errors.New("state: withdrawal request id overflow")
	ErrUnknownTransfer         = errors.New("state: unknown or settled transfer")
	ErrDuplicateTransfer       = errors.New("state: transfer intent already recorded")
	ErrUnsupportedAsset        = errors.New("state: unsupported asset")
)
