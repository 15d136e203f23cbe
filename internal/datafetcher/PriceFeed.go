/*
This file implements a price feed backed by an HTTP price API.

The API serves the latest round of a feed at GET {base}/v1/feeds/{feedID}/latest:

	{"round_id": 1042, "answer": "102340000", "decimals": 8,
	 "started_at": 1740787200, "updated_at": 1740787260, "answered_in_round": 1042}

Answers are integers in the feed's own decimals, exactly like an on-chain aggregator.
*/

package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/oracle"
	"github.com/elys-network/rwavault/internal/utils"
)

var priceLogger = logger.GetForComponent("price_feed")

var ErrInvalidPriceData = errors.New("invalid price data received")
var ErrAPIConfiguration = errors.New("API configuration error")

const (
	MAX_RETRIES     = 3
	TIMEOUT_SECONDS = 10
)

type latestRoundResponse struct {
	RoundID         uint64 `json:"round_id"`
	Answer          string `json:"answer"`
	Decimals        uint8  `json:"decimals"`
	StartedAt       int64  `json:"started_at"`
	UpdatedAt       int64  `json:"updated_at"`
	AnsweredInRound uint64 `json:"answered_in_round"`
}

// HTTPFeed is an oracle.Feed reading one feed ID from the price API.
type HTTPFeed struct {
	baseURL string
	feedID  string
	client  *http.Client
	backoff time.Duration
}

// NewHTTPFeed validates the endpoint and returns a feed for feedID.
func NewHTTPFeed(baseURL, feedID string, client *http.Client) (*HTTPFeed, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is empty", ErrAPIConfiguration)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAPIConfiguration, err)
	}
	if strings.TrimSpace(feedID) == "" {
		return nil, fmt.Errorf("%w: feed ID is empty", ErrAPIConfiguration)
	}
	if client == nil {
		client = &http.Client{Timeout: TIMEOUT_SECONDS * time.Second}
	}
	return &HTTPFeed{baseURL: baseURL, feedID: feedID, client: client, backoff: time.Second}, nil
}

// FeedID returns the API identifier this feed reads.
func (f *HTTPFeed) FeedID() string { return f.feedID }

// LatestRound fetches the newest round, retrying transport and 5xx failures.
func (f *HTTPFeed) LatestRound(ctx context.Context) (oracle.Round, error) {
	endpoint := fmt.Sprintf("%s/v1/feeds/%s/latest", f.baseURL, url.PathEscape(f.feedID))

	var body latestRoundResponse
	if err := getJSON(ctx, f.client, endpoint, f.backoff, &body); err != nil {
		return oracle.Round{}, fmt.Errorf("feed %s: %w", f.feedID, err)
	}

	round, err := body.toRound()
	if err != nil {
		priceLogger.Error().Err(err).Str("feed", f.feedID).Msg("Price API returned an invalid round")
		return oracle.Round{}, fmt.Errorf("feed %s: %w", f.feedID, err)
	}

	priceLogger.Debug().
		Str("feed", f.feedID).
		Uint64("round", round.RoundID).
		Str("answer", round.Answer.String()).
		Time("updatedAt", round.UpdatedAt).
		Msg("Fetched latest round")
	return round, nil
}

// toRound performs strict validation; the oracle adapter applies the freshness rules.
func (r latestRoundResponse) toRound() (oracle.Round, error) {
	answer, ok := sdkmath.NewIntFromString(strings.TrimSpace(r.Answer))
	if !ok {
		return oracle.Round{}, fmt.Errorf("%w: answer %q is not an integer", ErrInvalidPriceData, r.Answer)
	}
	if r.Decimals > utils.MaxDecimals {
		return oracle.Round{}, fmt.Errorf("%w: decimals %d above %d", ErrInvalidPriceData, r.Decimals, utils.MaxDecimals)
	}
	if r.UpdatedAt <= 0 {
		return oracle.Round{}, fmt.Errorf("%w: missing updated_at", ErrInvalidPriceData)
	}
	if r.StartedAt > r.UpdatedAt {
		return oracle.Round{}, fmt.Errorf("%w: started_at after updated_at", ErrInvalidPriceData)
	}
	return oracle.Round{
		RoundID:         r.RoundID,
		Answer:          answer,
		Decimals:        r.Decimals,
		StartedAt:       time.Unix(r.StartedAt, 0).UTC(),
		UpdatedAt:       time.Unix(r.UpdatedAt, 0).UTC(),
		AnsweredInRound: r.AnsweredInRound,
	}, nil
}

// getJSON GETs endpoint into dst with linear backoff. 4xx responses are not retried.
func getJSON(ctx context.Context, client *http.Client, endpoint string, backoff time.Duration, dst any) error {
	var lastErr error
	for attempt := 1; attempt <= MAX_RETRIES; attempt++ {
		retry, err := getJSONOnce(ctx, client, endpoint, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == MAX_RETRIES {
			break
		}

		priceLogger.Warn().
			Err(err).
			Str("url", endpoint).
			Int("attempt", attempt).
			Int("maxRetries", MAX_RETRIES).
			Msg("Request failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return lastErr
}

func getJSONOnce(ctx context.Context, client *http.Client, endpoint string, dst any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidPriceData, err)
	}
	return false, nil
}
