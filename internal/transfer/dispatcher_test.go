package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounterparty struct {
	mu       sync.Mutex
	failures int // transport errors before answering
	success  bool
	subjects []string
	bodies   []wireRequest
}

func (f *fakeCounterparty) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	var req wireRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	f.bodies = append(f.bodies, req)
	if f.failures > 0 {
		f.failures--
		return nil, nats.ErrTimeout
	}
	reply, _ := json.Marshal(wireReply{TransferID: req.TransferID, Success: f.success, Reason: "insufficient liquidity"})
	return &nats.Msg{Data: reply}, nil
}

func newTestDispatcher(t *testing.T, nc Requester, in chan Instruction, results chan Result, attempts int) *Dispatcher {
	t.Helper()
	d := NewDispatcher(nc, Config{MaxAttempts: attempts}, in, func(_ context.Context, r Result) {
		results <- r
	}, nil, zerolog.Nop())
	d.initialBackoff = time.Millisecond
	d.maxBackoff = 2 * time.Millisecond
	return d
}

func instruction() Instruction {
	in := Instruction{
		TransferID: uuid.New(),
		Kind:       "borrow_disbursement",
		Receiver:   "alice.testnet",
		Asset:      "usdt.fakes.testnet",
		Memo:       "borrow",
	}
	in.Amount.SetUint64(8291)
	return in
}

func TestEncodeInstruction(t *testing.T) {
	in := instruction()
	b, err := EncodeInstruction(in)
	require.NoError(t, err)

	var w wireRequest
	require.NoError(t, json.Unmarshal(b, &w))
	assert.Equal(t, in.TransferID.String(), w.TransferID)
	assert.Equal(t, "alice.testnet", w.ReceiverID)
	assert.Equal(t, "8291", w.Amount)
}

func TestDecodeResult_BadID(t *testing.T) {
	_, err := DecodeResult([]byte(`{"transfer_id":"nope","success":true}`))
	require.Error(t, err)
}

func TestDispatcher_DeliversResult(t *testing.T) {
	nc := &fakeCounterparty{success: true}
	in := make(chan Instruction, 1)
	results := make(chan Result, 1)
	d := newTestDispatcher(t, nc, in, results, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ins := instruction()
	in <- ins

	select {
	case res := <-results:
		assert.Equal(t, ins.TransferID, res.TransferID)
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	assert.Equal(t, []string{"gratis.transfers.usdt.fakes.testnet"}, nc.subjects)
}

func TestDispatcher_RetriesTransportErrors(t *testing.T) {
	nc := &fakeCounterparty{failures: 2, success: false}
	d := newTestDispatcher(t, nc, nil, nil, 3)

	res, err := d.send(context.Background(), instruction())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient liquidity", res.Reason)
	assert.Len(t, nc.subjects, 3)
}

func TestDispatcher_ExhaustsRetries(t *testing.T) {
	nc := &fakeCounterparty{failures: 10}
	d := newTestDispatcher(t, nc, nil, nil, 2)

	_, err := d.send(context.Background(), instruction())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Len(t, nc.subjects, 2)
}

func TestDispatcher_UndeliveredSkipsHandler(t *testing.T) {
	nc := &fakeCounterparty{failures: 10}
	results := make(chan Result, 1)
	d := newTestDispatcher(t, nc, nil, results, 1)

	d.dispatch(context.Background(), instruction())
	assert.Len(t, results, 0)
}

func TestAmountWire(t *testing.T) {
	in := instruction()
	in.Amount.Set(uint256.MustFromDecimal("340282366920938463463374607431768211456"))
	b, err := EncodeInstruction(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"amount":"340282366920938463463374607431768211456"`)
}
