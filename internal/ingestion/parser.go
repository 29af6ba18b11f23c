package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"GratisLedger/internal/event"
	fpmath "GratisLedger/internal/math"
	"GratisLedger/internal/oracle"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The shell validates and parses raw events before they reach the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParsePayload(eventType, raw.Data)
}

// ParsePayload decodes the wire JSON of one event type. It also decodes the
// payload column of the event log during replay.
func ParsePayload(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeDepositCollateral:
		return parseDepositCollateral(data)
	case event.EventTypeRemoveCollateral:
		return parseRemoveCollateral(data)
	case event.EventTypeBorrow:
		return parseBorrow(data)
	case event.EventTypeRepay:
		return parseRepay(data)
	case event.EventTypeCloseLoan:
		return parseCloseLoan(data)
	case event.EventTypeLiquidate:
		return parseLiquidate(data)
	case event.EventTypeIncomingTransfer:
		return parseIncomingTransfer(data)
	case event.EventTypeAddFunds:
		return parseAddFunds(data)
	case event.EventTypeWithdrawalRequested:
		return parseWithdrawalRequested(data)
	case event.EventTypeProcessNextWithdrawal:
		return parseProcessNextWithdrawal(data)
	case event.EventTypeTransferResult:
		return parseTransferResult(data)
	case event.EventTypePricesRefreshRequested:
		return parsePricesRefreshRequested(data)
	case event.EventTypePriceDataReceived:
		return parsePriceDataReceived(data)
	case event.EventTypePriceRequestFailed:
		return parsePriceRequestFailed(data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings so 256-bit values survive JSON.

type commandJSON struct {
	CommandID   string `json:"command_id"`
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// command holds the fields shared by account commands after validation
type command struct {
	id        uuid.UUID
	account   string
	amount    uint256.Int
	sequence  int64
	timestamp time.Time
}

func parseCommand(name string, data []byte, withAmount bool) (command, error) {
	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command{}, fmt.Errorf("parse %s: %w", name, err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return command{}, fmt.Errorf("parse command_id: %w", err)
	}
	if j.AccountID == "" {
		return command{}, fmt.Errorf("parse %s: account_id is required", name)
	}
	c := command{id: id, account: j.AccountID, sequence: j.Sequence, timestamp: time.UnixMicro(j.TimestampUs)}
	if withAmount {
		amount, err := fpmath.ParseAmount(j.Amount)
		if err != nil {
			return command{}, fmt.Errorf("parse amount: %w", err)
		}
		c.amount.Set(amount)
	}
	return c, nil
}

func parseDepositCollateral(data []byte) (*event.DepositCollateral, error) {
	c, err := parseCommand("DepositCollateral", data, true)
	if err != nil {
		return nil, err
	}
	return &event.DepositCollateral{CommandID: c.id, Account: c.account, Amount: c.amount, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

func parseRemoveCollateral(data []byte) (*event.RemoveCollateral, error) {
	c, err := parseCommand("RemoveCollateral", data, true)
	if err != nil {
		return nil, err
	}
	return &event.RemoveCollateral{CommandID: c.id, Account: c.account, Amount: c.amount, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

func parseBorrow(data []byte) (*event.Borrow, error) {
	c, err := parseCommand("Borrow", data, true)
	if err != nil {
		return nil, err
	}
	return &event.Borrow{CommandID: c.id, Account: c.account, Amount: c.amount, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

func parseRepay(data []byte) (*event.Repay, error) {
	c, err := parseCommand("Repay", data, true)
	if err != nil {
		return nil, err
	}
	return &event.Repay{CommandID: c.id, Account: c.account, Amount: c.amount, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

func parseCloseLoan(data []byte) (*event.CloseLoan, error) {
	c, err := parseCommand("CloseLoan", data, false)
	if err != nil {
		return nil, err
	}
	return &event.CloseLoan{CommandID: c.id, Account: c.account, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

func parseAddFunds(data []byte) (*event.AddFunds, error) {
	c, err := parseCommand("AddFunds", data, true)
	if err != nil {
		return nil, err
	}
	return &event.AddFunds{CommandID: c.id, Account: c.account, Amount: c.amount, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	c, err := parseCommand("WithdrawalRequested", data, true)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawalRequested{CommandID: c.id, Account: c.account, Amount: c.amount, Sequence: c.sequence, Timestamp: c.timestamp}, nil
}

type liquidateJSON struct {
	CommandID    string `json:"command_id"`
	AccountID    string `json:"account_id"`
	LiquidatorID string `json:"liquidator_id"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	if j.AccountID == "" || j.LiquidatorID == "" {
		return nil, fmt.Errorf("parse Liquidate: account_id and liquidator_id are required")
	}
	return &event.Liquidate{
		CommandID:  id,
		Account:    j.AccountID,
		Liquidator: j.LiquidatorID,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type processNextJSON struct {
	CommandID   string `json:"command_id"`
	CallerID    string `json:"caller_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseProcessNextWithdrawal(data []byte) (*event.ProcessNextWithdrawal, error) {
	var j processNextJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProcessNextWithdrawal: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.ProcessNextWithdrawal{
		CommandID: id,
		Caller:    j.CallerID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type incomingTransferJSON struct {
	TransferID  string `json:"transfer_id"`
	Asset       string `json:"asset"`
	SenderID    string `json:"sender_id"`
	Amount      string `json:"amount"`
	Message     string `json:"message"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseIncomingTransfer(data []byte) (*event.IncomingTransfer, error) {
	var j incomingTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IncomingTransfer: %w", err)
	}
	if j.TransferID == "" || j.SenderID == "" {
		return nil, fmt.Errorf("parse IncomingTransfer: transfer_id and sender_id are required")
	}
	amount, err := fpmath.ParseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	evt := &event.IncomingTransfer{
		TransferID: j.TransferID,
		Asset:      j.Asset,
		Sender:     j.SenderID,
		Message:    j.Message,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}
	evt.Amount.Set(amount)
	return evt, nil
}

type transferResultJSON struct {
	TransferID  string `json:"transfer_id"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTransferResult(data []byte) (*event.TransferResult, error) {
	var j transferResultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferResult: %w", err)
	}
	id, err := uuid.Parse(j.TransferID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer_id: %w", err)
	}
	return &event.TransferResult{
		TransferID: id,
		Success:    j.Success,
		Reason:     j.Reason,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceRefreshJSON struct {
	RequestID   string `json:"request_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePricesRefreshRequested(data []byte) (*event.PricesRefreshRequested, error) {
	var j priceRefreshJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PricesRefreshRequested: %w", err)
	}
	if j.RequestID == "" {
		return nil, fmt.Errorf("parse PricesRefreshRequested: request_id is required")
	}
	return &event.PricesRefreshRequested{RequestID: j.RequestID, Timestamp: time.UnixMicro(j.TimestampUs)}, nil
}

type priceDataJSON struct {
	RequestID   string           `json:"request_id"`
	Data        oracle.PriceData `json:"data"`
	TimestampUs int64            `json:"timestamp_us"`
}

func parsePriceDataReceived(data []byte) (*event.PriceDataReceived, error) {
	var j priceDataJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceDataReceived: %w", err)
	}
	return &event.PriceDataReceived{RequestID: j.RequestID, Data: j.Data, Timestamp: time.UnixMicro(j.TimestampUs)}, nil
}

type priceFailedJSON struct {
	RequestID   string `json:"request_id"`
	Reason      string `json:"reason"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePriceRequestFailed(data []byte) (*event.PriceRequestFailed, error) {
	var j priceFailedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceRequestFailed: %w", err)
	}
	return &event.PriceRequestFailed{RequestID: j.RequestID, Reason: j.Reason, Timestamp: time.UnixMicro(j.TimestampUs)}, nil
}

// EncodeEvent renders an event in the same wire JSON ParsePayload accepts.
// The output bridge stores it as the event log payload.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v any
	switch e := evt.(type) {
	case *event.DepositCollateral:
		v = encodeCommand(e.CommandID, e.Account, &e.Amount, e.Sequence, e.Timestamp)
	case *event.RemoveCollateral:
		v = encodeCommand(e.CommandID, e.Account, &e.Amount, e.Sequence, e.Timestamp)
	case *event.Borrow:
		v = encodeCommand(e.CommandID, e.Account, &e.Amount, e.Sequence, e.Timestamp)
	case *event.Repay:
		v = encodeCommand(e.CommandID, e.Account, &e.Amount, e.Sequence, e.Timestamp)
	case *event.CloseLoan:
		v = encodeCommand(e.CommandID, e.Account, nil, e.Sequence, e.Timestamp)
	case *event.AddFunds:
		v = encodeCommand(e.CommandID, e.Account, &e.Amount, e.Sequence, e.Timestamp)
	case *event.WithdrawalRequested:
		v = encodeCommand(e.CommandID, e.Account, &e.Amount, e.Sequence, e.Timestamp)
	case *event.Liquidate:
		v = liquidateJSON{
			CommandID:    e.CommandID.String(),
			AccountID:    e.Account,
			LiquidatorID: e.Liquidator,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		}
	case *event.ProcessNextWithdrawal:
		v = processNextJSON{
			CommandID:   e.CommandID.String(),
			CallerID:    e.Caller,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		}
	case *event.IncomingTransfer:
		v = incomingTransferJSON{
			TransferID:  e.TransferID,
			Asset:       e.Asset,
			SenderID:    e.Sender,
			Amount:      e.Amount.Dec(),
			Message:     e.Message,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		}
	case *event.TransferResult:
		v = transferResultJSON{
			TransferID:  e.TransferID.String(),
			Success:     e.Success,
			Reason:      e.Reason,
			TimestampUs: e.Timestamp.UnixMicro(),
		}
	case *event.PricesRefreshRequested:
		v = priceRefreshJSON{RequestID: e.RequestID, TimestampUs: e.Timestamp.UnixMicro()}
	case *event.PriceDataReceived:
		v = priceDataJSON{RequestID: e.RequestID, Data: e.Data, TimestampUs: e.Timestamp.UnixMicro()}
	case *event.PriceRequestFailed:
		v = priceFailedJSON{RequestID: e.RequestID, Reason: e.Reason, TimestampUs: e.Timestamp.UnixMicro()}
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", evt)
	}
	return json.Marshal(v)
}

func encodeCommand(id uuid.UUID, account string, amount *uint256.Int, seq int64, ts time.Time) commandJSON {
	j := commandJSON{
		CommandID:   id.String(),
		AccountID:   account,
		Sequence:    seq,
		TimestampUs: ts.UnixMicro(),
	}
	if amount != nil {
		j.Amount = amount.Dec()
	}
	return j
}
