package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/types"
)

var (
	ustb  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeFeed struct {
	mu    sync.Mutex
	round Round
	err   error
	calls int
}

func (f *fakeFeed) LatestRound(context.Context) (Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.round, f.err
}

func roundAt(answer int64, decimals uint8, updatedAt time.Time) Round {
	return Round{RoundID: 7, Answer: sdkmath.NewInt(answer), Decimals: decimals, StartedAt: updatedAt, UpdatedAt: updatedAt, AnsweredInRound: 7}
}

func newTestAdapter(t *testing.T, primary, backup Feed) *Adapter {
	t.Helper()
	a := NewAdapter(func() time.Time { return epoch })
	require.NoError(t, a.Configure(ustb, primary, backup, 0))
	return a
}

func TestFreshPrimaryWins(t *testing.T) {
	primary := &fakeFeed{round: roundAt(101_000_000, 8, epoch.Add(-time.Minute))}
	backup := &fakeFeed{round: roundAt(99_000_000, 8, epoch)}
	a := newTestAdapter(t, primary, backup)

	p, err := a.GetPriceWithSource(context.Background(), ustb)
	require.NoError(t, err)
	assert.Equal(t, string(types.PriceSourcePrimary), p.Source)
	assert.Equal(t, "1010000000000000000", p.Value.String())
	assert.False(t, p.Degraded)
	assert.Equal(t, 0, backup.calls)
}

func TestFailoverToFreshBackup(t *testing.T) {
	tests := []struct {
		name    string
		primary *fakeFeed
	}{
		{"stale primary", &fakeFeed{round: roundAt(100, 0, epoch.Add(-3*time.Hour))}},
		{"zero primary", &fakeFeed{round: roundAt(0, 8, epoch)}},
		{"negative primary", &fakeFeed{round: roundAt(-5, 8, epoch)}},
		{"unreachable primary", &fakeFeed{err: errors.New("connection refused")}},
		{"incomplete primary", &fakeFeed{round: Round{RoundID: 9, AnsweredInRound: 8, Answer: sdkmath.NewInt(1), UpdatedAt: epoch}}},
		{"future primary", &fakeFeed{round: roundAt(100, 0, epoch.Add(time.Minute))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backup := &fakeFeed{round: roundAt(2, 0, epoch.Add(-time.Minute))}
			a := newTestAdapter(t, tt.primary, backup)

			p, err := a.GetPriceWithSource(context.Background(), ustb)
			require.NoError(t, err)
			assert.Equal(t, string(types.PriceSourceBackup), p.Source)
			assert.Equal(t, "2000000000000000000", p.Value.String())
			assert.False(t, p.Degraded)
		})
	}
}

func TestBothStaleReturnsMostRecentDegraded(t *testing.T) {
	primary := &fakeFeed{round: roundAt(1, 0, epoch.Add(-5*time.Hour))}
	backup := &fakeFeed{round: roundAt(3, 0, epoch.Add(-4*time.Hour))}
	a := newTestAdapter(t, primary, backup)

	p, err := a.GetPriceWithSource(context.Background(), ustb)
	require.NoError(t, err)
	assert.True(t, p.Degraded)
	assert.Equal(t, string(types.PriceSourceBackup), p.Source)
	assert.Equal(t, "3000000000000000000", p.Value.String())

	stale, err := a.IsPriceStale(context.Background(), ustb)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestBothStaleTiePrefersPrimary(t *testing.T) {
	ts := epoch.Add(-5 * time.Hour)
	a := newTestAdapter(t, &fakeFeed{round: roundAt(1, 0, ts)}, &fakeFeed{round: roundAt(3, 0, ts)})

	p, err := a.GetPriceWithSource(context.Background(), ustb)
	require.NoError(t, err)
	assert.Equal(t, string(types.PriceSourcePrimary), p.Source)
	assert.True(t, p.Degraded)
}

func TestStalePrimaryWithInvalidBackupIsDegraded(t *testing.T) {
	a := newTestAdapter(t, &fakeFeed{round: roundAt(4, 0, epoch.Add(-3*time.Hour))}, &fakeFeed{round: roundAt(0, 0, epoch)})

	p, err := a.GetPriceWithSource(context.Background(), ustb)
	require.NoError(t, err)
	assert.Equal(t, string(types.PriceSourcePrimary), p.Source)
	assert.True(t, p.Degraded)
}

func TestAllSourcesFailed(t *testing.T) {
	a := newTestAdapter(t, &fakeFeed{err: errors.New("timeout")}, &fakeFeed{round: roundAt(0, 8, epoch)})

	_, err := a.GetPrice(context.Background(), ustb)
	require.ErrorIs(t, err, ErrAllOraclesFailed)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	noBackup := NewAdapter(func() time.Time { return epoch })
	require.NoError(t, noBackup.Configure(ustb, &fakeFeed{round: roundAt(-1, 0, epoch)}, nil, 0))
	_, err = noBackup.GetPrice(context.Background(), ustb)
	assert.ErrorIs(t, err, ErrAllOraclesFailed)
}

func TestFreshnessBoundaryIsInclusive(t *testing.T) {
	primary := &fakeFeed{round: roundAt(1, 0, epoch.Add(-DefaultStaleness))}
	a := newTestAdapter(t, primary, nil)

	p, err := a.GetPriceWithSource(context.Background(), ustb)
	require.NoError(t, err)
	assert.False(t, p.Degraded)

	primary.round = roundAt(1, 0, epoch.Add(-DefaultStaleness-time.Second))
	p, err = a.GetPriceWithSource(context.Background(), ustb)
	require.NoError(t, err)
	assert.True(t, p.Degraded)
}

func TestNormalizationAcrossDecimals(t *testing.T) {
	// $1.2345 reported at different precisions.
	raws := map[uint8]string{
		6:  "1234500",
		8:  "123450000",
		18: "1234500000000000000",
		24: "1234500000000000000000000",
	}
	for dec, raw := range raws {
		answer, ok := sdkmath.NewIntFromString(raw)
		require.True(t, ok)
		v, err := Normalize(answer, dec)
		require.NoError(t, err)
		assert.Equal(t, "1234500000000000000", v.String(), "decimals %d", dec)
	}

	_, err := Normalize(sdkmath.NewInt(1), 37)
	assert.ErrorIs(t, err, ErrInvalidDecimals)
	_, err = Normalize(sdkmath.NewInt(1), 24)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestConfigureValidation(t *testing.T) {
	a := NewAdapter(nil)
	feed := &fakeFeed{}

	assert.ErrorIs(t, a.Configure(common.Address{}, feed, nil, 0), ErrInvalidAsset)
	assert.ErrorIs(t, a.Configure(ustb, nil, feed, 0), ErrPrimaryRequired)
	assert.ErrorIs(t, a.Configure(ustb, feed, nil, -time.Second), ErrInvalidStaleness)
	assert.ErrorIs(t, a.Configure(ustb, feed, nil, MaxStaleness+time.Nanosecond), ErrInvalidStaleness)
	require.NoError(t, a.Configure(ustb, feed, nil, MaxStaleness))

	d, err := a.StalenessFor(ustb)
	require.NoError(t, err)
	assert.Equal(t, MaxStaleness, d)

	require.NoError(t, a.Configure(ustb, feed, nil, 0))
	require.NoError(t, a.SetDefaultStaleness(30*time.Minute))
	d, err = a.StalenessFor(ustb)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	assert.ErrorIs(t, a.SetDefaultStaleness(0), ErrInvalidStaleness)

	_, err = a.GetPrice(context.Background(), common.HexToAddress("0x01"))
	assert.ErrorIs(t, err, ErrOracleNotConfigured)
}

func TestFailingFeedIsShortCircuited(t *testing.T) {
	primary := &fakeFeed{err: errors.New("503")}
	backup := &fakeFeed{round: roundAt(1, 0, epoch)}
	a := newTestAdapter(t, primary, backup)

	for i := 0; i < 5; i++ {
		p, err := a.GetPriceWithSource(context.Background(), ustb)
		require.NoError(t, err)
		assert.Equal(t, string(types.PriceSourceBackup), p.Source)
	}
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 5, backup.calls)
}
