package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"GratisLedger/internal/event"
	"GratisLedger/internal/ledger"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/state"
	"GratisLedger/internal/transfer"
)

func (c *DeterministicCore) dispatchEvent(evt event.Event, b *ledger.Batch, fx *effects) error {
	switch e := evt.(type) {
	case *event.DepositCollateral:
		return c.handleDeposit(e, b, fx)
	case *event.RemoveCollateral:
		return c.handleRemoveCollateral(e, b, fx)
	case *event.Borrow:
		return c.handleBorrow(e, b, fx)
	case *event.Repay:
		return c.repay(e.Account, &e.Amount, e.IdempotencyKey(), b, fx)
	case *event.CloseLoan:
		return c.closeLoan(e.Account, e.IdempotencyKey(), b, fx)
	case *event.Liquidate:
		return c.handleLiquidate(e, b, fx)
	case *event.IncomingTransfer:
		return c.handleIncomingTransfer(e, b, fx)
	case *event.AddFunds:
		return c.lend(e.Account, &e.Amount, b, fx)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e, fx)
	case *event.ProcessNextWithdrawal:
		return c.handleProcessNextWithdrawal(e, fx)
	case *event.TransferResult:
		return c.handleTransferResult(e, b, fx)
	case *event.PricesRefreshRequested:
		return c.handlePricesRefreshRequested(e, fx)
	case *event.PriceDataReceived:
		return c.handlePriceDataReceived(e)
	case *event.PriceRequestFailed:
		return c.handlePriceRequestFailed(e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

// mustPost panics when a journal pre-check fails after state was mutated:
// the ledger and the loan book have diverged.
func mustPost(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: journal pre-check after state change: %v", err))
	}
}

// === Loans ===

func (c *DeterministicCore) handleDeposit(e *event.DepositCollateral, b *ledger.Batch, fx *effects) error {
	if e.Amount.IsZero() {
		return state.ErrInvalidAmount
	}
	res, err := c.loans.Deposit(e.Account, &e.Amount)
	if err != nil {
		return fmt.Errorf("deposit for %s: %w", e.Account, err)
	}
	c.journalGen.CollateralDeposit(b, e.Account, res.Net, res.Fee)
	fx.touchLoan(e.Account)
	return nil
}

func (c *DeterministicCore) handleRemoveCollateral(e *event.RemoveCollateral, b *ledger.Batch, fx *effects) error {
	id := state.NewTransferID(e.IdempotencyKey(), state.IntentCollateralReturn)
	if err := c.ensureNewIntent(id); err != nil {
		return err
	}
	loan, _ := c.loans.GetLoan(e.Account)
	if err := c.loans.RemoveCollateral(e.Account, &e.Amount, c.prices); err != nil {
		return fmt.Errorf("remove collateral for %s: %w", e.Account, err)
	}
	mustPost(c.journalGen.CollateralReserve(b, e.Account, &e.Amount))

	ratio := loan.MinimumCollateralRatio
	c.recordIntent(fx, state.TransferIntent{
		TransferID:      id,
		Kind:            state.IntentCollateralReturn,
		Account:         e.Account,
		Asset:           ledger.AssetCollateral,
		Amount:          e.Amount,
		CollateralRatio: &ratio,
		EventRef:        e.IdempotencyKey(),
	})
	fx.touchLoan(e.Account)
	return nil
}

func (c *DeterministicCore) handleBorrow(e *event.Borrow, b *ledger.Batch, fx *effects) error {
	id := state.NewTransferID(e.IdempotencyKey(), state.IntentBorrowDisbursement)
	if err := c.ensureNewIntent(id); err != nil {
		return err
	}
	if err := c.loans.Borrow(e.Account, &e.Amount, c.prices); err != nil {
		return fmt.Errorf("borrow for %s: %w", e.Account, err)
	}
	c.journalGen.LoanDisburse(b, e.Account, &e.Amount)
	c.recordIntent(fx, state.TransferIntent{
		TransferID: id,
		Kind:       state.IntentBorrowDisbursement,
		Account:    e.Account,
		Asset:      ledger.AssetLoan,
		Amount:     e.Amount,
		EventRef:   e.IdempotencyKey(),
	})
	fx.touchLoan(e.Account)
	return nil
}

// repay books received loan-asset funds against the debt. The excess goes
// back through a refund transfer.
func (c *DeterministicCore) repay(account string, amount *uint256.Int, key string, b *ledger.Batch, fx *effects) error {
	refundID := state.NewTransferID(key, state.IntentRefund)
	if err := c.ensureNewIntent(refundID); err != nil {
		return err
	}
	repaid, excess, err := c.loans.Repay(account, amount)
	if err != nil {
		return fmt.Errorf("repay for %s: %w", account, err)
	}
	c.journalGen.Repayment(b, repaid)
	if !excess.IsZero() {
		c.journalGen.RefundReserve(b, account, excess)
		c.recordIntent(fx, state.TransferIntent{
			TransferID: refundID,
			Kind:       state.IntentRefund,
			Account:    account,
			Asset:      ledger.AssetLoan,
			Amount:     *excess,
			EventRef:   key,
		})
	}
	fx.touchLoan(account)
	return nil
}

// closeLoan removes a debt-free loan and returns whatever collateral is left.
func (c *DeterministicCore) closeLoan(account, key string, b *ledger.Batch, fx *effects) error {
	id := state.NewTransferID(key, state.IntentLoanClose)
	if err := c.ensureNewIntent(id); err != nil {
		return err
	}
	closed, err := c.loans.Close(account)
	if err != nil {
		return fmt.Errorf("close loan for %s: %w", account, err)
	}
	if !closed.Collateral.IsZero() {
		mustPost(c.journalGen.CollateralReserve(b, account, closed.Collateral))
		ratio := closed.Ratio
		c.recordIntent(fx, state.TransferIntent{
			TransferID:      id,
			Kind:            state.IntentLoanClose,
			Account:         account,
			Asset:           ledger.AssetCollateral,
			Amount:          *closed.Collateral,
			CollateralRatio: &ratio,
			EventRef:        key,
		})
	}
	fx.touchLoan(account)
	return nil
}

func (c *DeterministicCore) handleLiquidate(e *event.Liquidate, b *ledger.Batch, fx *effects) error {
	seized, err := c.loans.Liquidate(e.Account, e.IsSelf(), c.prices)
	if err != nil {
		return fmt.Errorf("liquidate %s: %w", e.Account, err)
	}
	mustPost(c.journalGen.LiquidationSeize(b, e.Account, seized))

	path := "third_party"
	if e.IsSelf() {
		path = "self"
	}
	if c.metrics != nil {
		c.metrics.Liquidations.WithLabelValues(path).Inc()
	}
	c.logger.Info().
		Str("account", e.Account).
		Str("liquidator", e.Liquidator).
		Str("seized", seized.Dec()).
		Msg("loan liquidated")
	fx.touchLoan(e.Account)
	return nil
}

// handleIncomingTransfer routes loan-asset funds by message: lend, close or
// (anything else) repay.
func (c *DeterministicCore) handleIncomingTransfer(e *event.IncomingTransfer, b *ledger.Batch, fx *effects) error {
	if e.Asset != c.prices.Loan().Symbol() {
		return fmt.Errorf("%w: %q", state.ErrUnsupportedAsset, e.Asset)
	}
	if e.Amount.IsZero() {
		return state.ErrInvalidAmount
	}
	key := e.IdempotencyKey()

	switch e.Message {
	case event.MessageLend:
		return c.lend(e.Sender, &e.Amount, b, fx)
	case event.MessageClose:
		// All-or-nothing: check close will succeed before repaying
		if err := c.loans.CanRepayAndClose(e.Sender, &e.Amount); err != nil {
			return c.refundIncoming(e, fmt.Errorf("repay and close for %s: %w", e.Sender, err), b, fx)
		}
		if err := c.ensureNewIntent(state.NewTransferID(key, state.IntentLoanClose)); err != nil {
			return err
		}
		if err := c.repay(e.Sender, &e.Amount, key, b, fx); err != nil {
			return err
		}
		return c.closeLoan(e.Sender, key, b, fx)
	default:
		if _, ok := c.loans.GetLoan(e.Sender); !ok {
			return c.refundIncoming(e, fmt.Errorf("repay for %s: %w", e.Sender, state.ErrLoanNotFound), b, fx)
		}
		return c.repay(e.Sender, &e.Amount, key, b, fx)
	}
}

// refundIncoming applies an inbound transfer that cannot repay or close as
// a full refund. Loans are untouched; the funds are booked as pending and
// sent back to the sender.
func (c *DeterministicCore) refundIncoming(e *event.IncomingTransfer, cause error, b *ledger.Batch, fx *effects) error {
	key := e.IdempotencyKey()
	id := state.NewTransferID(key, state.IntentRefund)
	if err := c.ensureNewIntent(id); err != nil {
		return err
	}
	c.journalGen.RefundReserve(b, e.Sender, &e.Amount)
	c.recordIntent(fx, state.TransferIntent{
		TransferID: id,
		Kind:       state.IntentRefund,
		Account:    e.Sender,
		Asset:      ledger.AssetLoan,
		Amount:     e.Amount,
		EventRef:   key,
	})
	c.logger.Warn().
		Err(cause).
		Str("sender", e.Sender).
		Str("amount", e.Amount.Dec()).
		Msg("incoming transfer refunded")
	return nil
}

// === Lending pool ===

func (c *DeterministicCore) lend(account string, amount *uint256.Int, b *ledger.Batch, fx *effects) error {
	if err := c.lending.AddFunds(account, amount); err != nil {
		return fmt.Errorf("add funds for %s: %w", account, err)
	}
	c.journalGen.LendDeposit(b, account, amount)
	fx.touchLender(account)
	return nil
}

func (c *DeterministicCore) handleWithdrawalRequested(e *event.WithdrawalRequested, fx *effects) error {
	id, err := c.lending.RequestWithdrawal(e.Account, &e.Amount)
	if errors.Is(err, state.ErrRequestIDOverflow) {
		if c.metrics != nil {
			c.metrics.CoreFatalErrors.WithLabelValues("request_id_overflow").Inc()
		}
		panic(fmt.Sprintf("FATAL: withdrawal request for %s: %v", e.Account, err))
	}
	if err != nil {
		return fmt.Errorf("withdrawal request for %s: %w", e.Account, err)
	}
	c.logger.Info().
		Str("account", e.Account).
		Uint64("request_id", id).
		Str("amount", e.Amount.Dec()).
		Msg("withdrawal queued")
	fx.touchLender(e.Account)
	fx.queueChanged = true
	return nil
}

func (c *DeterministicCore) handleProcessNextWithdrawal(e *event.ProcessNextWithdrawal, fx *effects) error {
	id := state.NewTransferID(e.IdempotencyKey(), state.IntentPoolWithdrawal)
	if err := c.ensureNewIntent(id); err != nil {
		return err
	}
	reqID, req, found, err := c.lending.ProcessNextWithdrawalRequest()
	if err != nil {
		return err
	}
	fx.queueChanged = true
	if !found {
		return nil
	}

	c.recordIntent(fx, state.TransferIntent{
		TransferID:          id,
		Kind:                state.IntentPoolWithdrawal,
		Account:             req.AccountID,
		Asset:               ledger.AssetLoan,
		Amount:              req.Amount,
		WithdrawalRequestID: &reqID,
		EventRef:            e.IdempotencyKey(),
	})
	fx.touchLender(req.AccountID)
	return nil
}

// === Transfer results ===

func (c *DeterministicCore) handleTransferResult(e *event.TransferResult, b *ledger.Batch, fx *effects) error {
	intent, err := c.intents.Lookup(e.TransferID)
	if err != nil {
		return err
	}
	account := intent.Account
	amount := &intent.Amount
	status := state.IntentCommitted
	if !e.Success {
		status = state.IntentRolledBack
	}

	switch intent.Kind {
	case state.IntentBorrowDisbursement:
		if e.Success {
			c.journalGen.LoanDisburseConfirm(b, account, amount)
		} else {
			c.journalGen.LoanDisburseRevert(b, account, amount)
			removed := c.loans.RollbackBorrow(account, amount)
			if !removed.Eq(amount) {
				c.logger.Warn().
					Str("account", account).
					Str("amount", amount.Dec()).
					Str("removed", removed.Dec()).
					Msg("borrow rollback saturated")
			}
		}
		fx.touchLoan(account)

	case state.IntentCollateralReturn, state.IntentLoanClose:
		if e.Success {
			c.journalGen.CollateralReturn(b, account, amount)
		} else {
			ratio := c.risk.RatioFor(account)
			if intent.CollateralRatio != nil {
				ratio = *intent.CollateralRatio
			}
			if err := c.loans.RestoreCollateral(account, amount, ratio); err != nil {
				return err
			}
			c.journalGen.CollateralRestore(b, account, amount)
		}
		fx.touchLoan(account)

	case state.IntentRefund:
		if e.Success {
			c.journalGen.RefundConfirm(b, account, amount)
		} else {
			status = state.IntentFailed
			c.logger.Error().
				Str("transfer_id", e.TransferID.String()).
				Str("account", account).
				Str("amount", amount.Dec()).
				Str("reason", e.Reason).
				Msg("refund failed, held for operator")
		}
		fx.touchLoan(account)

	case state.IntentPoolWithdrawal:
		if intent.WithdrawalRequestID == nil {
			return fmt.Errorf("%w: pool withdrawal %s has no request id", state.ErrRequestNotFound, e.TransferID)
		}
		s, err := c.lending.OnWithdrawalTransferResult(*intent.WithdrawalRequestID, e.Success)
		if err != nil {
			return err
		}
		if e.Success {
			c.journalGen.PoolWithdrawal(b, s.AccountID, s.FromPool, s.Shortfall)
			if !s.Shortfall.IsZero() {
				c.logger.Warn().
					Uint64("request_id", s.RequestID).
					Str("account", s.AccountID).
					Str("shortfall", s.Shortfall.Dec()).
					Msg("withdrawal exceeded lender balance")
				if c.metrics != nil {
					c.metrics.WithdrawalShortfall.Inc()
				}
			}
		}
		fx.touchLender(s.AccountID)
		fx.queueChanged = true
	}

	if _, err := c.intents.Settle(e.TransferID, status); err != nil {
		panic(fmt.Sprintf("FATAL: settle looked-up intent %s: %v", e.TransferID, err))
	}
	if c.metrics != nil {
		c.metrics.TransferResults.WithLabelValues(intent.Kind.String(), status.String()).Inc()
	}
	return nil
}

// === Prices ===

func (c *DeterministicCore) handlePricesRefreshRequested(e *event.PricesRefreshRequested, fx *effects) error {
	if e.RequestID == "" {
		return fmt.Errorf("%w: empty price request id", ErrInvalidEvent)
	}
	c.pendingPrices[e.RequestID] = struct{}{}
	fx.priceRequests = append(fx.priceRequests, oracle.PriceRequest{
		RequestID: e.RequestID,
		AssetIDs:  c.prices.RequestAssetIDs(),
	})
	return nil
}

func (c *DeterministicCore) handlePriceDataReceived(e *event.PriceDataReceived) error {
	if _, ok := c.pendingPrices[e.RequestID]; !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotPending, e.RequestID)
	}
	if err := c.sequenceValidator.CheckPriceTimestamp(e.Data.Timestamp); err != nil {
		return err
	}
	if err := c.prices.Apply(&e.Data); err != nil {
		return err
	}
	c.sequenceValidator.AdvancePrice(e.Data.Timestamp)
	delete(c.pendingPrices, e.RequestID)
	return nil
}

func (c *DeterministicCore) handlePriceRequestFailed(e *event.PriceRequestFailed) error {
	if _, ok := c.pendingPrices[e.RequestID]; !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotPending, e.RequestID)
	}
	delete(c.pendingPrices, e.RequestID)
	c.logger.Warn().Str("request_id", e.RequestID).Str("reason", e.Reason).Msg("price refresh failed")
	return nil
}

// === Intents ===

func (c *DeterministicCore) ensureNewIntent(id uuid.UUID) error {
	if _, exists := c.intents.Get(id); exists {
		return fmt.Errorf("%w: %s", state.ErrDuplicateTransfer, id)
	}
	return nil
}

// recordIntent stores a pending intent and queues its transfer instruction.
// Callers check ensureNewIntent before mutating, so Record cannot fail here.
func (c *DeterministicCore) recordIntent(fx *effects, intent state.TransferIntent) {
	intent.CreatedSequence = c.sequence
	if err := c.intents.Record(intent); err != nil {
		panic(fmt.Sprintf("FATAL: record intent after state change: %v", err))
	}
	fx.transfers = append(fx.transfers, c.instructionFor(intent))
}

func (c *DeterministicCore) instructionFor(intent state.TransferIntent) transfer.Instruction {
	asset := c.prices.Loan().Symbol()
	if intent.Asset == ledger.AssetCollateral {
		asset = c.prices.Collateral().Symbol()
	}
	in := transfer.Instruction{
		TransferID: intent.TransferID,
		Kind:       intent.Kind.String(),
		Receiver:   intent.Account,
		Asset:      asset,
		Memo:       intent.Kind.String() + ":" + intent.EventRef,
	}
	in.Amount.Set(&intent.Amount)
	return in
}
