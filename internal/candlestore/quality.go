package candlestore

import (
	"fmt"
	"log"
	"time"

	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"
)

// QualityMode controls how data-quality findings on a loaded candle series
// are handled.
type QualityMode string

const (
	QualityOff    QualityMode = "off"
	QualityWarn   QualityMode = "warn"
	QualityStrict QualityMode = "strict"
)

// QualityIssue describes one data-quality finding.
type QualityIssue struct {
	Kind string // NON_MONOTONIC, MISALIGNED, GAP, OUT_OF_SESSION, BAD_OHLC
	TS   time.Time
	Msg  string
}

// Validate checks a candle series for non-monotonic timestamps, interval
// misalignment, intra-session gaps, out-of-session candles, and OHLC
// violations. In strict mode the first finding is returned as an error; in
// warn mode findings are logged; in off mode the check is skipped.
func Validate(candles []model.Candle, intervalMin int, mode QualityMode) ([]QualityIssue, error) {
	if mode == QualityOff || len(candles) == 0 {
		return nil, nil
	}

	step := int64(intervalMin) * 60
	var issues []QualityIssue
	add := func(kind string, ts time.Time, format string, args ...any) {
		issues = append(issues, QualityIssue{Kind: kind, TS: ts, Msg: fmt.Sprintf(format, args...)})
	}

	var prev time.Time
	for i, c := range candles {
		ts := c.TS
		if ts.Unix()%step != 0 {
			add("MISALIGNED", ts, "ts %v not aligned to %dm grid", ts, intervalMin)
		}
		if !c.Valid() {
			add("BAD_OHLC", ts, "ohlc invariant violated o=%d h=%d l=%d c=%d", c.Open, c.High, c.Low, c.Close)
		}
		if !markethours.IsMarketOpen(ts) && c.Source != model.CandleSource("synthetic") {
			add("OUT_OF_SESSION", ts, "candle outside session hours")
		}
		if i > 0 {
			if !ts.After(prev) {
				add("NON_MONOTONIC", ts, "ts %v not after %v", ts, prev)
			} else if d := ts.Unix() - prev.Unix(); d > step && sameSession(prev, ts) {
				add("GAP", ts, "gap of %d buckets before %v", d/step-1, ts)
			}
		}
		prev = ts
	}

	if len(issues) == 0 {
		return nil, nil
	}
	if mode == QualityStrict {
		return issues, fmt.Errorf("data quality: %s at %v: %s", issues[0].Kind, issues[0].TS, issues[0].Msg)
	}
	for _, is := range issues {
		log.Printf("[candlestore] quality %s at %v: %s", is.Kind, is.TS, is.Msg)
	}
	return issues, nil
}

// sameSession reports whether both timestamps fall on the same trading day.
func sameSession(a, b time.Time) bool {
	return markethours.DayKey(a) == markethours.DayKey(b)
}
