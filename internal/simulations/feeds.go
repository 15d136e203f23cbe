package simulations

import (
	"context"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/rwavault/internal/oracle"
)

// StaticFeed is a settable price feed used by simulation mode and tests.
type StaticFeed struct {
	mu    sync.Mutex
	round oracle.Round
	err   error
}

// NewStaticFeed returns a feed answering answer at decimals, updated at updatedAt.
func NewStaticFeed(answer sdkmath.Int, decimals uint8, updatedAt time.Time) *StaticFeed {
	f := &StaticFeed{}
	f.Set(answer, decimals, updatedAt)
	return f
}

// Set publishes a new complete round.
func (f *StaticFeed) Set(answer sdkmath.Int, decimals uint8, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.round.RoundID + 1
	f.round = oracle.Round{
		RoundID:         id,
		Answer:          answer,
		Decimals:        decimals,
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: id,
	}
	f.err = nil
}

// Touch moves the current round's timestamp without changing the answer.
func (f *StaticFeed) Touch(updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round.UpdatedAt = updatedAt
}

// Fail makes every subsequent read return err until the next Set.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) LatestRound(context.Context) (oracle.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return oracle.Round{}, f.err
	}
	return f.round, nil
}
