package datafetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elys-network/rwavault/internal/types"
)

// AssetYield is one advertised yield served at GET {base}/v1/yields.
type AssetYield struct {
	Symbol string `json:"symbol"`
	APYBps int64  `json:"apy_bps"`
}

// maxAPYBps rejects obviously corrupt yields (above 100%).
const maxAPYBps = types.BpsDenominator

// FetchAssetYields returns the advertised APY of every asset keyed by upper-case symbol.
// Entries with an invalid yield are skipped, not fatal.
func FetchAssetYields(ctx context.Context, baseURL string, client *http.Client) (map[string]int64, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is empty", ErrAPIConfiguration)
	}
	if client == nil {
		client = &http.Client{Timeout: TIMEOUT_SECONDS * time.Second}
	}

	var body []AssetYield
	if err := getJSON(ctx, client, baseURL+"/v1/yields", time.Second, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch asset yields: %w", err)
	}

	yields := make(map[string]int64, len(body))
	for _, y := range body {
		symbol := strings.ToUpper(strings.TrimSpace(y.Symbol))
		if symbol == "" || y.APYBps < 0 || y.APYBps > maxAPYBps {
			priceLogger.Warn().
				Str("symbol", y.Symbol).
				Int64("apyBps", y.APYBps).
				Msg("Skipping invalid yield entry")
			continue
		}
		yields[symbol] = y.APYBps
	}

	priceLogger.Info().Int("count", len(yields)).Msg("Fetched asset yields")
	return yields, nil
}
