package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

var timestampColumns = []string{"timestamp", "time", "date", "datetime"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ReadCSV parses a bar series with a header row. The timestamp column may be
// named timestamp, time, date or datetime and holds RFC 3339 text, a plain
// date-time, or Unix milliseconds. The series' field set records which of
// the open, high, low, close, volume, bid and ask columns were present;
// absent columns and empty cells read as NaN.
func ReadCSV(r io.Reader) (domain.Series, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Series{}, errors.New("csv: missing header")
		}
		return domain.Series{}, err
	}

	tsCol := -1
	var fields domain.Field
	cols := make(map[int]domain.Field)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if f, ok := domain.ParseField(name); ok {
			cols[i] = f
			fields |= f
			continue
		}
		for _, tc := range timestampColumns {
			if name == tc && tsCol < 0 {
				tsCol = i
			}
		}
	}
	if tsCol < 0 {
		return domain.Series{}, errors.New("csv: no timestamp column")
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Series{}, err
		}

		ts, err := parseTimestamp(rec[tsCol])
		if err != nil {
			return domain.Series{}, fmt.Errorf("csv line %d: %w", line, err)
		}
		b := domain.Bar{Timestamp: ts}
		for _, f := range []domain.Field{domain.FieldOpen, domain.FieldHigh, domain.FieldLow,
			domain.FieldClose, domain.FieldVolume, domain.FieldBid, domain.FieldAsk} {
			b.SetValue(f, math.NaN())
		}
		for i, f := range cols {
			v, err := parseValue(rec[i])
			if err != nil {
				return domain.Series{}, fmt.Errorf("csv line %d column %s: %w", line, header[i], err)
			}
			b.SetValue(f, v)
		}
		bars = append(bars, b)
	}
	return domain.Series{Fields: fields, Bars: bars}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteTradesCSV writes the trade ledger with prices, sizes and money
// columns rendered at fixed precision.
func WriteTradesCSV(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"id", "direction", "entry_time", "exit_time", "entry_price", "exit_price",
		"size", "stop", "target", "fees", "realized_pnl", "roi", "exit_reason",
	}); err != nil {
		return err
	}
	for i := range trades {
		t := &trades[i]
		if err := cw.Write([]string{
			t.ID, string(t.Direction),
			t.EntryTime.Format(time.RFC3339), t.ExitTime.Format(time.RFC3339),
			fixed(t.EntryPrice, 8), fixed(t.ExitPrice, 8),
			fixed(t.Size, 8), fixed(t.Stop, 8), fixed(t.Target, 8),
			fixed(t.Fees, 2), fixed(t.RealizedPnL, 2), fixed(t.ROI(), 6),
			t.ExitReason,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fixed(f float64, places int32) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return decimal.NewFromFloat(f).StringFixed(places)
}
