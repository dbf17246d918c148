package instruments

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/model"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "instruments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func expiry(d int) time.Time {
	return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
}

func chain(d int, strikes ...int64) []model.Instrument {
	var out []model.Instrument
	for i, k := range strikes {
		for _, typ := range []string{model.TypeCall, model.TypePut} {
			out = append(out, model.Instrument{
				Token:          fmt.Sprintf("4%s%d%d", typ, d, i),
				Exchange:       "NFO",
				Segment:        "NSE_FO",
				TradingSymbol:  "NIFTY" + typ,
				Name:           "NIFTY",
				InstrumentType: typ,
				TickSize:       5,
				LotSize:        75,
				Expiry:         expiry(d),
				Strike:         k,
			})
		}
	}
	return out
}

func TestUpsertAndLookup(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.Upsert([]model.Instrument{{
		Token: "2885", Exchange: "NSE", Segment: "NSE_CM",
		TradingSymbol: "RELIANCE-EQ", Name: "RELIANCE",
		InstrumentType: model.TypeEquity, TickSize: 5, LotSize: 1,
	}}))

	in, ok := r.Get("NSE", "2885")
	require.True(t, ok)
	assert.Equal(t, "RELIANCE-EQ", in.TradingSymbol)

	in, ok = r.BySymbol("NSE", "RELIANCE-EQ")
	require.True(t, ok)
	assert.Equal(t, "2885", in.Token)

	_, ok = r.Get("NFO", "2885")
	assert.False(t, ok)
}

func TestWarmReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.db")

	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Upsert(chain(27, 2400000, 2450000)))
	require.NoError(t, r.Close())

	r2, err := Open(path)
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, 4, r2.Count())
	in, ok := r2.Get("NFO", "4CE270")
	require.True(t, ok)
	assert.True(t, in.Expiry.Equal(expiry(27)))
}

func TestNearestExpirySkipsPast(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.Upsert(chain(20, 2450000)))
	require.NoError(t, r.Upsert(chain(27, 2450000)))

	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	assert.True(t, r.NearestExpiry("NIFTY", now).Equal(expiry(27)))
	assert.True(t, r.NearestExpiry("BANKNIFTY", now).IsZero())
}

func TestATMOptionPicksClosestStrike(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.Upsert(chain(27, 2400000, 2450000, 2500000)))

	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	in, ok := r.ATMOption("NIFTY", 2462000, model.TypeCall, now)
	require.True(t, ok)
	assert.Equal(t, int64(2450000), in.Strike)
	assert.Equal(t, model.TypeCall, in.InstrumentType)

	in, ok = r.ATMOption("NIFTY", 2490000, model.TypePut, now)
	require.True(t, ok)
	assert.Equal(t, int64(2500000), in.Strike)
	assert.Equal(t, model.TypePut, in.InstrumentType)
}

func TestFromMasterRowFiltersAndNormalizes(t *testing.T) {
	in, ok := fromMasterRow(masterRow{
		Token: "2885", Symbol: "RELIANCE-EQ", Name: "RELIANCE",
		ExchSeg: "NSE", TickSize: "5.00", LotSize: "1",
	})
	require.True(t, ok)
	assert.Equal(t, model.TypeEquity, in.InstrumentType)
	assert.Equal(t, int64(5), in.TickSize)

	in, ok = fromMasterRow(masterRow{
		Token: "43125", Symbol: "NIFTY28AUG2624500CE", Name: "NIFTY",
		ExchSeg: "NFO", InstType: "OPTIDX", Expiry: "28AUG2026",
		Strike: "2450000.000000", LotSize: "75", TickSize: "5.00",
	})
	require.True(t, ok)
	assert.Equal(t, model.TypeCall, in.InstrumentType)
	assert.Equal(t, int64(2450000), in.Strike)
	assert.Equal(t, int64(75), in.LotSize)
	assert.True(t, in.Expiry.Equal(time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)))

	// Non-EQ cash rows and foreign segments are dropped.
	_, ok = fromMasterRow(masterRow{Token: "1", Symbol: "RELIANCE-BL", ExchSeg: "NSE"})
	assert.False(t, ok)
	_, ok = fromMasterRow(masterRow{Token: "2", Symbol: "GOLD-FUT", ExchSeg: "MCX", InstType: "FUTCOM"})
	assert.False(t, ok)
}
