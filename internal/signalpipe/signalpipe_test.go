package signalpipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/candlestore"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/strategy"
	"intraday-enginev1/internal/telemetry"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type captureDispatcher struct {
	signals []*strategy.Signal
}

func (d *captureDispatcher) HandleSignal(sig *strategy.Signal) {
	d.signals = append(d.signals, sig)
}

// fixed strategies for deterministic pipeline tests
type stubStrategy struct {
	id   string
	conf float64
	fire bool
}

func (s *stubStrategy) ID() string            { return s.id }
func (s *stubStrategy) Style() strategy.Style { return strategy.StyleAlways }
func (s *stubStrategy) Evaluate(w strategy.Window) *strategy.Signal {
	if !s.fire {
		return nil
	}
	return &strategy.Signal{
		StrategyID: s.id,
		Style:      strategy.StyleAlways,
		Side:       strategy.SideBuy,
		Confidence: s.conf,
		Candle:     w.Last(),
		StopAnchor: w.Last().Low,
	}
}

func seedCache(t *testing.T, cache *candlestore.Cache, n int, end time.Time) model.Candle {
	t.Helper()
	var last model.Candle
	for i := 0; i < n; i++ {
		c := model.Candle{
			Token:       "3045",
			Exchange:    "NSE",
			IntervalMin: 1,
			TS:          end.Add(-time.Duration(n-1-i) * time.Minute),
			Open:        10000, High: 10010, Low: 9990, Close: 10000,
			Volume: 1000,
			Source: model.SourceLive,
		}
		cache.Append(c)
		last = c
	}
	return last
}

func newTestPipeline(t *testing.T, d Dispatcher) (*Pipeline, *candlestore.Cache, *telemetry.Sink) {
	t.Helper()
	sink, err := telemetry.New(64, "")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	cache := candlestore.NewCache(200)
	p := New(strategy.NewRegistry(nil), strategy.NewSelector(false), cache, sink, d)
	return p, cache, sink
}

func TestPipelineRequiresMinCandles(t *testing.T) {
	d := &captureDispatcher{}
	p, cache, _ := newTestPipeline(t, d)
	end := time.Date(2026, 8, 26, 12, 0, 0, 0, ist)
	last := seedCache(t, cache, 30, end) // below the 50 default

	p.OnClose(last)
	assert.Empty(t, d.signals)
}

func TestPipelineRejectsSyntheticTerminal(t *testing.T) {
	d := &captureDispatcher{}
	p, cache, sink := newTestPipeline(t, d)
	end := time.Date(2026, 8, 26, 12, 0, 0, 0, ist)
	last := seedCache(t, cache, 60, end)
	last.Source = model.SourceSynthetic

	p.OnClose(last)
	assert.Empty(t, d.signals)

	blocked := sink.Snapshot(telemetry.KindBlocked)
	require.NotEmpty(t, blocked)
	assert.Equal(t, "SYNTHETIC_CANDLE", blocked[len(blocked)-1].Reason)

	p.AllowSynthetic = true
	p.OnClose(last)
	// Flat window produces no candidate, but the synthetic gate passed.
	for _, b := range sink.Snapshot(telemetry.KindBlocked)[len(blocked):] {
		assert.NotEqual(t, "SYNTHETIC_CANDLE", b.Reason)
	}
}

func TestPipelinePicksHighestConfidenceWithDeclarationTieBreak(t *testing.T) {
	d := &captureDispatcher{}
	sink, err := telemetry.New(64, "")
	require.NoError(t, err)
	defer sink.Close()
	cache := candlestore.NewCache(200)

	p := New(strategy.NewRegistry(nil), strategy.NewSelector(false), cache, sink, d)
	end := time.Date(2026, 8, 26, 12, 0, 0, 0, ist)
	last := seedCache(t, cache, 60, end)

	// Replace the registry path with stubs by evaluating directly.
	w := strategy.Window(cache.Recent("NSE", "3045", 1, 120))
	require.Len(t, w, 60)

	stubs := []strategy.Strategy{
		&stubStrategy{id: "A", conf: 70, fire: true},
		&stubStrategy{id: "B", conf: 70, fire: true}, // equal: A must win
		&stubStrategy{id: "C", conf: 60, fire: true},
	}
	var best *strategy.Signal
	for _, s := range stubs {
		sig := s.Evaluate(w)
		if sig == nil {
			continue
		}
		if best == nil || sig.Confidence > best.Confidence {
			best = sig
		}
	}
	require.NotNil(t, best)
	assert.Equal(t, "A", best.StrategyID)

	// End-to-end: a flat window yields no dispatch from the real registry.
	p.OnClose(last)
	assert.Empty(t, d.signals)
}

func TestPipelineMinConfidenceFilter(t *testing.T) {
	d := &captureDispatcher{}
	p, cache, sink := newTestPipeline(t, d)

	end := time.Date(2026, 8, 26, 12, 0, 0, 0, ist)
	seedCache(t, cache, 60, end)

	// Force a real signal: outsized bearish candle breaks the flat range.
	spike := model.Candle{
		Token: "3045", Exchange: "NSE", IntervalMin: 1,
		TS:   end.Add(time.Minute),
		Open: 10050, High: 10060, Low: 9945, Close: 9950,
		Volume: 10000,
		Source: model.SourceLive,
	}
	cache.Append(spike)

	// A permissive filter lets the breakout through.
	p.MinConfidence = 10
	p.OnClose(spike)
	require.Len(t, d.signals, 1)
	assert.Equal(t, strategy.SideSell, d.signals[0].Side)

	// Raise the bar above the candidate's confidence; the same candle must
	// now be swallowed with a LOW_CONFIDENCE record.
	p.MinConfidence = d.signals[0].Confidence + 1
	p.OnClose(spike)
	assert.Len(t, d.signals, 1)
	blocked := sink.Snapshot(telemetry.KindBlocked)
	require.NotEmpty(t, blocked)
	assert.Equal(t, "LOW_CONFIDENCE", blocked[len(blocked)-1].Reason)
}

func TestPipelineIgnoresFormingCandles(t *testing.T) {
	d := &captureDispatcher{}
	p, cache, _ := newTestPipeline(t, d)
	end := time.Date(2026, 8, 26, 12, 0, 0, 0, ist)
	last := seedCache(t, cache, 60, end)
	last.Forming = true

	p.OnClose(last)
	assert.Empty(t, d.signals)
}
