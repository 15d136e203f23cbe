package analyzer

import (
	"errors"
	"math"
	"sort"

	"github.com/elys-network/rwavault/internal/types"
)

// ErrInsufficientData means fewer than two usable observations were given.
var ErrInsufficientData = errors.New("insufficient data points to calculate volatility")

// CalculateVolatility returns the annualised standard deviation of log returns of a price series.
// annualizationFactor is the number of observations per year (365 for daily cycles, 8760 for hourly).
// Pairs with a non-positive price are skipped.
func CalculateVolatility(prices []types.PriceData, annualizationFactor float64) (float64, error) {
	if len(prices) < 2 {
		return 0, ErrInsufficientData
	}
	if annualizationFactor <= 0 || math.IsNaN(annualizationFactor) || math.IsInf(annualizationFactor, 0) {
		return 0, errors.New("annualization factor must be positive and finite")
	}

	series := make([]types.PriceData, len(prices))
	copy(series, prices)
	sort.Slice(series, func(i, j int) bool {
		return series[i].Timestamp.Before(series[j].Timestamp)
	})

	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1].Price, series[i].Price
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) == 0 {
		return 0, ErrInsufficientData
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		sumSq += (r - mean) * (r - mean)
	}
	// Population variance.
	stdDev := math.Sqrt(sumSq / float64(len(returns)))
	return stdDev * math.Sqrt(annualizationFactor), nil
}
