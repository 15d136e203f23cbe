package oracle

import (
	"context"
	"time"

	sdkmath "cosmossdk.io/math"
)

// Round is one answer reported by a price feed, in the feed's own decimals.
type Round struct {
	RoundID         uint64
	Answer          sdkmath.Int // signed; zero and negative answers are invalid
	Decimals        uint8
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// Feed is a single external price source.
type Feed interface {
	LatestRound(ctx context.Context) (Round, error)
}

// Price is a resolved price at 18 decimals.
type Price struct {
	Value     sdkmath.Int `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
	Source    string      `json:"source"`
	// Degraded is set when no source was fresh and the most recent stale answer was used.
	Degraded bool `json:"degraded"`
}
