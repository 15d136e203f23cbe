package events

import (
	"context"
	"errors"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/elys-network/rwavault/internal/logger"
)

type Type string

const (
	TypeDeposit                  Type = "DEPOSIT"
	TypeWithdraw                 Type = "WITHDRAW"
	TypeWithdrawRequested        Type = "WITHDRAW_REQUESTED"
	TypeWithdrawClaimed          Type = "WITHDRAW_CLAIMED"
	TypeRebalanceExecuted        Type = "REBALANCE_EXECUTED"
	TypeAllocationUpdated        Type = "ALLOCATION_UPDATED"
	TypeHoldingLiquidated        Type = "HOLDING_LIQUIDATED"
	TypeHoldingUpdated           Type = "HOLDING_UPDATED"
	TypeNavUpdated               Type = "NAV_UPDATED"
	TypeEmergencyWithdrawChanged Type = "EMERGENCY_WITHDRAW_CHANGED"
	TypeCircuitBreakerChanged    Type = "CIRCUIT_BREAKER_CHANGED"
	TypePauseChanged             Type = "PAUSE_CHANGED"
	TypeTransfer                 Type = "TRANSFER"
	TypeApproval                 Type = "APPROVAL"
)

// Event is one committed vault state transition, carrying enough for an indexer to replay it.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Type      Type           `json:"type"`
	Vault     common.Address `json:"vault"`
	Timestamp time.Time      `json:"timestamp"`

	Caller    common.Address `json:"caller"`
	Owner     common.Address `json:"owner"`
	Receiver  common.Address `json:"receiver"`
	Assets    sdkmath.Int    `json:"assets"`
	Shares    sdkmath.Int    `json:"shares"`
	RequestID uint64         `json:"request_id,omitempty"`

	TotalAssets sdkmath.Int `json:"total_assets"`
	SharePrice  sdkmath.Int `json:"share_price"`

	Attributes map[string]string `json:"attributes,omitempty"`
}

// Sink receives events after they are committed.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event to the component logger.
type LogSink struct{}

var eventLogger = logger.GetForComponent("events")

func (LogSink) Publish(_ context.Context, e Event) error {
	ev := eventLogger.Info().
		Uint64("seq", e.Sequence).
		Str("type", string(e.Type)).
		Str("caller", e.Caller.Hex())
	if !e.Assets.IsNil() {
		ev = ev.Str("assets", e.Assets.String())
	}
	if !e.Shares.IsNil() {
		ev = ev.Str("shares", e.Shares.String())
	}
	if e.RequestID != 0 {
		ev = ev.Uint64("requestId", e.RequestID)
	}
	for k, v := range e.Attributes {
		ev = ev.Str(k, v)
	}
	ev.Msg("Vault event")
	return nil
}

// Recorder keeps events in memory, newest last.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
