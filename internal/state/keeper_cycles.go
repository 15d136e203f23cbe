package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// keeperCyclesDDL is part of schemaDDL. The table holds at most one row; it is created lazily by the
// first increment or reset, so a fresh database reads as cycle 0.
const keeperCyclesDDL = `
	CREATE TABLE IF NOT EXISTS keeper_cycles (
	    singleton   BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	    last_cycle  BIGINT NOT NULL CHECK (last_cycle >= 0),
	    advanced_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

// GetCurrentCycleNumber is the number of the last keeper cycle that started, 0 before the first.
func GetCurrentCycleNumber(ctx context.Context) (int, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}
	var last int
	err := DB.QueryRowContext(ctx, `SELECT last_cycle FROM keeper_cycles WHERE singleton`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading keeper cycle: %w", err)
	}
	return last, nil
}

// IncrementCycleNumber claims the next cycle number. Numbers survive restarts and are never reused.
func IncrementCycleNumber(ctx context.Context) (int, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}
	const q = `
		INSERT INTO keeper_cycles (singleton, last_cycle) VALUES (TRUE, 1)
		ON CONFLICT (singleton) DO UPDATE
		    SET last_cycle = keeper_cycles.last_cycle + 1, advanced_at = now()
		RETURNING last_cycle`
	var next int
	if err := DB.QueryRowContext(ctx, q).Scan(&next); err != nil {
		return 0, fmt.Errorf("advancing keeper cycle: %w", err)
	}
	log.Debug().Int("cycle", next).Msg("Keeper cycle claimed")
	return next, nil
}

// ResetCycleNumber overwrites the last cycle number. Used by the reset script.
func ResetCycleNumber(ctx context.Context, cycleNumber int) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	if cycleNumber < 0 {
		return fmt.Errorf("cycle number %d is negative", cycleNumber)
	}
	const q = `
		INSERT INTO keeper_cycles (singleton, last_cycle) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET last_cycle = EXCLUDED.last_cycle, advanced_at = now()`
	if _, err := DB.ExecContext(ctx, q, cycleNumber); err != nil {
		return fmt.Errorf("resetting keeper cycle to %d: %w", cycleNumber, err)
	}
	log.Warn().Int("cycle", cycleNumber).Msg("Keeper cycle counter reset")
	return nil
}
