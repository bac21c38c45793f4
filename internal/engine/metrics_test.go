package engine

import (
	"math"
	"testing"
	"time"

	"quantsim/internal/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func curveOf(equity ...float64) []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(equity))
	for i, e := range equity {
		out[i] = domain.EquityPoint{Timestamp: t0.Add(time.Duration(i) * 24 * time.Hour), Equity: e}
	}
	return out
}

func TestComputeMetricsEmpty(t *testing.T) {
	perf, stats, dd := ComputeMetrics(nil, nil)
	for name, m := range map[string]map[string]float64{"performance": perf, "trades": stats, "drawdown": dd} {
		if len(m) == 0 {
			t.Errorf("%s metrics empty, want every key present", name)
		}
		for k, v := range m {
			if v != 0 {
				t.Errorf("%s[%s] = %v, want 0", name, k, v)
			}
		}
	}
}

func TestPerformanceMetrics(t *testing.T) {
	perf, _, dd := ComputeMetrics(curveOf(100, 110, 99, 121), nil)

	if got := perf[MetricTotalReturn]; !approx(got, 0.21) {
		t.Errorf("total_return = %v, want 0.21", got)
	}
	if got := perf[MetricAnnualizedReturn]; !(got > 0.21) {
		t.Errorf("annualized_return = %v, want > total return over 3 days", got)
	}
	if got := perf[MetricSharpeRatio]; !(got > 0) {
		t.Errorf("sharpe_ratio = %v, want positive", got)
	}
	// Only one negative return: Sortino stays neutral.
	if got := perf[MetricSortinoRatio]; got != 0 {
		t.Errorf("sortino_ratio = %v, want 0", got)
	}

	if got := dd[DrawdownMax]; !approx(got, 0.1) {
		t.Errorf("max_drawdown = %v, want 0.1", got)
	}
	if got := dd[DrawdownAverage]; !approx(got, 0.1) {
		t.Errorf("avg_drawdown = %v, want 0.1", got)
	}
	if got := dd[DrawdownMaxDuration]; got != 1 {
		t.Errorf("max_drawdown_duration = %v, want 1", got)
	}
}

func TestPerformanceMetricsDegenerate(t *testing.T) {
	perf, _, dd := ComputeMetrics(curveOf(100, 100, 100), nil)
	for k, v := range perf {
		if v != 0 {
			t.Errorf("flat curve: %s = %v, want 0", k, v)
		}
	}
	if dd[DrawdownMax] != 0 {
		t.Errorf("flat curve: max_drawdown = %v, want 0", dd[DrawdownMax])
	}

	// Less than a day elapsed: no annualization.
	curve := []domain.EquityPoint{
		{Timestamp: t0, Equity: 100},
		{Timestamp: t0.Add(time.Hour), Equity: 101},
	}
	perf, _, _ = ComputeMetrics(curve, nil)
	if perf[MetricAnnualizedReturn] != 0 {
		t.Errorf("intraday annualized_return = %v, want 0", perf[MetricAnnualizedReturn])
	}
}

func TestSortinoNeedsTwoLosses(t *testing.T) {
	perf, _, dd := ComputeMetrics(curveOf(100, 95, 105, 98, 110), nil)
	if got := perf[MetricSortinoRatio]; got == 0 {
		t.Error("sortino_ratio = 0, want non-zero with two negative returns")
	}
	if got := dd[DrawdownMaxDuration]; got != 1 {
		t.Errorf("max_drawdown_duration = %v, want 1", got)
	}

	_, _, dd = ComputeMetrics(curveOf(100, 95, 90, 99, 101), nil)
	if got := dd[DrawdownMaxDuration]; got != 3 {
		t.Errorf("max_drawdown_duration = %v, want 3", got)
	}
}

func TestTradeMetrics(t *testing.T) {
	trade := func(pnl, fees float64, held time.Duration) domain.Trade {
		return domain.Trade{
			Position:    domain.Position{EntryTime: t0, Fees: fees},
			ExitTime:    t0.Add(held),
			RealizedPnL: pnl,
		}
	}
	trades := []domain.Trade{
		trade(10, 1, time.Minute),
		trade(-5, 1, 2*time.Minute),
		trade(20, 0.5, 3*time.Minute),
		trade(0, 0.5, 6*time.Minute),
	}
	_, stats, _ := ComputeMetrics(nil, trades)

	want := map[string]float64{
		StatTotalTrades:      4,
		StatProfitableTrades: 2,
		StatWinRate:          0.5,
		StatAverageProfit:    15,
		StatAverageLoss:      -2.5,
		StatProfitFactor:     6,
		StatTotalFees:        3,
		StatAverageDuration:  180,
	}
	for k, w := range want {
		if got := stats[k]; !approx(got, w) {
			t.Errorf("%s = %v, want %v", k, got, w)
		}
	}

	_, stats, _ = ComputeMetrics(nil, trades[:1])
	if stats[StatProfitFactor] != 0 {
		t.Errorf("profit_factor without losses = %v, want 0", stats[StatProfitFactor])
	}
	if stats[StatWinRate] != 1 {
		t.Errorf("win_rate = %v, want 1", stats[StatWinRate])
	}
}
