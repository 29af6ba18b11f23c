package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	fpmath "GratisLedger/internal/math"
)

var ErrInvalidCommand = errors.New("ingestion: invalid command")

// Submitter hands an event to the core goroutine and waits for its receipt
type Submitter func(ctx context.Context, evt event.Event) (core.Receipt, error)

// CommandRequest is the body of a command submitted over HTTP.
// CommandID is generated when absent; callers that retry should set it.
type CommandRequest struct {
	CommandID  string `json:"command_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Liquidator string `json:"liquidator_id,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}

// CommandService turns caller commands into typed events for the core.
// It is the manual surface next to JetStream ingestion.
type CommandService struct {
	submit Submitter
	now    func() time.Time
}

func NewCommandService(submit Submitter) *CommandService {
	return &CommandService{submit: submit, now: time.Now}
}

func (s *CommandService) commandID(req CommandRequest) (uuid.UUID, error) {
	if req.CommandID == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(req.CommandID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: command_id: %v", ErrInvalidCommand, err)
	}
	return id, nil
}

func (s *CommandService) amount(req CommandRequest) (uint256.Int, error) {
	var out uint256.Int
	a, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		return out, err
	}
	out.Set(a)
	return out, nil
}

func requireAccount(account string) error {
	if account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidCommand)
	}
	return nil
}

// amountCommand validates the shared fields of commands that carry an amount
func (s *CommandService) amountCommand(account string, req CommandRequest) (uuid.UUID, uint256.Int, error) {
	if err := requireAccount(account); err != nil {
		return uuid.Nil, uint256.Int{}, err
	}
	id, err := s.commandID(req)
	if err != nil {
		return uuid.Nil, uint256.Int{}, err
	}
	amount, err := s.amount(req)
	if err != nil {
		return uuid.Nil, uint256.Int{}, err
	}
	return id, amount, nil
}

func (s *CommandService) Deposit(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	id, amount, err := s.amountCommand(account, req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.DepositCollateral{CommandID: id, Account: account, Amount: amount, Sequence: req.Sequence, Timestamp: s.now()})
}

func (s *CommandService) RemoveCollateral(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	id, amount, err := s.amountCommand(account, req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.RemoveCollateral{CommandID: id, Account: account, Amount: amount, Sequence: req.Sequence, Timestamp: s.now()})
}

func (s *CommandService) Borrow(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	id, amount, err := s.amountCommand(account, req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.Borrow{CommandID: id, Account: account, Amount: amount, Sequence: req.Sequence, Timestamp: s.now()})
}

func (s *CommandService) Repay(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	id, amount, err := s.amountCommand(account, req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.Repay{CommandID: id, Account: account, Amount: amount, Sequence: req.Sequence, Timestamp: s.now()})
}

func (s *CommandService) CloseLoan(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	if err := requireAccount(account); err != nil {
		return core.Receipt{}, err
	}
	id, err := s.commandID(req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.CloseLoan{CommandID: id, Account: account, Sequence: req.Sequence, Timestamp: s.now()})
}

// Liquidate targets account on behalf of req.Liquidator. A liquidator equal
// to the target is a self-liquidation.
func (s *CommandService) Liquidate(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	if err := requireAccount(account); err != nil {
		return core.Receipt{}, err
	}
	if req.Liquidator == "" {
		return core.Receipt{}, fmt.Errorf("%w: liquidator_id is required", ErrInvalidCommand)
	}
	id, err := s.commandID(req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.Liquidate{CommandID: id, Account: account, Liquidator: req.Liquidator, Sequence: req.Sequence, Timestamp: s.now()})
}

func (s *CommandService) Lend(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	id, amount, err := s.amountCommand(account, req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.AddFunds{CommandID: id, Account: account, Amount: amount, Sequence: req.Sequence, Timestamp: s.now()})
}

func (s *CommandService) RequestWithdrawal(ctx context.Context, account string, req CommandRequest) (core.Receipt, error) {
	id, amount, err := s.amountCommand(account, req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.WithdrawalRequested{CommandID: id, Account: account, Amount: amount, Sequence: req.Sequence, Timestamp: s.now()})
}

// ProcessNextWithdrawal may be triggered by anyone; caller is informational.
func (s *CommandService) ProcessNextWithdrawal(ctx context.Context, caller string, req CommandRequest) (core.Receipt, error) {
	id, err := s.commandID(req)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.submit(ctx, &event.ProcessNextWithdrawal{CommandID: id, Caller: caller, Sequence: req.Sequence, Timestamp: s.now()})
}

// RefreshPrices asks the core to issue an oracle request and returns its id
func (s *CommandService) RefreshPrices(ctx context.Context) (string, core.Receipt, error) {
	requestID := uuid.NewString()
	receipt, err := s.submit(ctx, &event.PricesRefreshRequested{RequestID: requestID, Timestamp: s.now()})
	return requestID, receipt, err
}
