package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/rwavault/internal/events"
)

// EventStore journals committed vault events into vault_events.
// It is an events.Sink; replays of the same event ID are ignored.
type EventStore struct{}

func (EventStore) Publish(ctx context.Context, e events.Event) error {
	if DB == nil {
		return ErrDBNotInitialized
	}

	var attributes []byte
	if len(e.Attributes) > 0 {
		var err error
		if attributes, err = json.Marshal(e.Attributes); err != nil {
			return fmt.Errorf("failed to marshal event attributes: %w", err)
		}
	}

	var requestID sql.NullInt64
	if e.RequestID != 0 {
		requestID = sql.NullInt64{Int64: int64(e.RequestID), Valid: true}
	}

	query := `
		INSERT INTO vault_events (
			event_id, sequence, event_type, vault, event_timestamp,
			caller, owner, receiver, assets, shares, request_id,
			total_assets, share_price, attributes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING;
	`
	_, err := DB.ExecContext(ctx, query,
		e.ID.String(), int64(e.Sequence), string(e.Type), e.Vault.Hex(), e.Timestamp,
		e.Caller.Hex(), nullAddress(e.Owner), nullAddress(e.Receiver), numeric(e.Assets), numeric(e.Shares), requestID,
		numeric(e.TotalAssets), numeric(e.SharePrice), attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to journal event %d (%s): %w", e.Sequence, e.Type, err)
	}
	return nil
}

// GetRecentEvents returns the newest journaled events, optionally filtered by type.
func GetRecentEvents(ctx context.Context, eventType events.Type, limit int) ([]events.Event, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT
			event_id, sequence, event_type, vault, event_timestamp,
			caller, owner, receiver, assets, shares, request_id,
			total_assets, share_price, attributes
		FROM vault_events
		WHERE ($1::text = '' OR event_type = $1)
		ORDER BY sequence DESC
		LIMIT $2
	`

	rows, err := DB.QueryContext(ctx, query, string(eventType), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query recent events")
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e                       events.Event
			id, typ, vault, caller  string
			owner, receiver         sql.NullString
			assets, shares          sql.NullString
			totalAssets, sharePrice sql.NullString
			requestID               sql.NullInt64
			sequence                int64
			attributes              []byte
		)
		if err := rows.Scan(
			&id, &sequence, &typ, &vault, &e.Timestamp,
			&caller, &owner, &receiver, &assets, &shares, &requestID,
			&totalAssets, &sharePrice, &attributes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event %d has invalid id: %w", sequence, err)
		}
		e.Sequence = uint64(sequence)
		e.Type = events.Type(typ)
		e.Vault = common.HexToAddress(vault)
		e.Caller = common.HexToAddress(caller)
		if owner.Valid {
			e.Owner = common.HexToAddress(owner.String)
		}
		if receiver.Valid {
			e.Receiver = common.HexToAddress(receiver.String)
		}
		if requestID.Valid {
			e.RequestID = uint64(requestID.Int64)
		}
		if e.Assets, err = parseNullNumeric(assets); err != nil {
			return nil, err
		}
		if e.Shares, err = parseNullNumeric(shares); err != nil {
			return nil, err
		}
		if e.TotalAssets, err = parseNullNumeric(totalAssets); err != nil {
			return nil, err
		}
		if e.SharePrice, err = parseNullNumeric(sharePrice); err != nil {
			return nil, err
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &e.Attributes); err != nil {
				return nil, fmt.Errorf("event %d attributes: %w", sequence, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

func nullAddress(a common.Address) any {
	if a == (common.Address{}) {
		return nil
	}
	return a.Hex()
}
