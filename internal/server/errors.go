package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"GratisLedger/internal/core"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/kv"
	fpmath "GratisLedger/internal/math"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/query"
	"GratisLedger/internal/state"
)

// errorClass is how a failure is reported at the edge
type errorClass struct {
	HTTPStatus int
	Code       codes.Code
	Kind       string
}

var (
	classInvalid     = errorClass{http.StatusBadRequest, codes.InvalidArgument, "invalid"}
	classConflict    = errorClass{http.StatusConflict, codes.FailedPrecondition, "conflict"}
	classNotFound    = errorClass{http.StatusNotFound, codes.NotFound, "not_found"}
	classPrice       = errorClass{http.StatusServiceUnavailable, codes.Unavailable, "price"}
	classOracle      = errorClass{http.StatusBadGateway, codes.Unavailable, "oracle"}
	classUnavailable = errorClass{http.StatusServiceUnavailable, codes.Unavailable, "unavailable"}
	classTimeout     = errorClass{http.StatusGatewayTimeout, codes.DeadlineExceeded, "timeout"}
	classCanceled    = errorClass{499, codes.Canceled, "canceled"}
	classInternal    = errorClass{http.StatusInternalServerError, codes.Internal, "internal"}
)

// errorTable is checked in order; the first match wins.
var errorTable = []struct {
	targets []error
	class   errorClass
}{
	{[]error{
		ingestion.ErrInvalidCommand,
		query.ErrInvalidQuery,
		fpmath.ErrInvalidAmount,
		fpmath.ErrInvalidFeeConfig,
		fpmath.ErrNetAmountNotPositive,
		fpmath.ErrOverflow,
		state.ErrInvalidAmount,
		state.ErrUnsupportedAsset,
		core.ErrInvalidEvent,
		core.ErrUnknownEvent,
	}, classInvalid},
	{[]error{
		state.ErrInsufficientCollateral,
		state.ErrUndercollateralized,
		state.ErrInsufficientPoolBalance,
		state.ErrOutstandingDebt,
		state.ErrNotUndercollateralized,
		state.ErrNothingToLiquidate,
		state.ErrDuplicateTransfer,
		core.ErrOutOfOrder,
		core.ErrRequestNotPending,
	}, classConflict},
	{[]error{
		state.ErrLoanNotFound,
		state.ErrRequestNotFound,
		state.ErrUnknownTransfer,
		query.ErrNotFound,
	}, classNotFound},
	{[]error{oracle.ErrPriceUnavailable, oracle.ErrStaleSnapshot}, classPrice},
	{[]error{oracle.ErrInvalidOracleData}, classOracle},
	{[]error{query.ErrHistoryUnavailable}, classUnavailable},
	{[]error{context.DeadlineExceeded}, classTimeout},
	{[]error{context.Canceled}, classCanceled},
	{[]error{state.ErrRequestIDOverflow, kv.ErrBackendUnavailable}, classInternal},
}

func classify(err error) errorClass {
	for _, row := range errorTable {
		for _, target := range row.targets {
			if errors.Is(err, target) {
				return row.class
			}
		}
	}
	return classInternal
}

// GRPCStatus converts err into a status carrying the code it maps to.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(classify(err).Code, err.Error())
}

// HTTPStatus returns the HTTP status code err maps to.
func HTTPStatus(err error) int {
	return classify(err).HTTPStatus
}
