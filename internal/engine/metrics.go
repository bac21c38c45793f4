package engine

import (
	"math"

	"quantsim/internal/domain"
	"quantsim/internal/indicators"
)

// Metric keys reported in BacktestResult maps.
const (
	MetricTotalReturn      = "total_return"
	MetricAnnualizedReturn = "annualized_return"
	MetricSharpeRatio      = "sharpe_ratio"
	MetricSortinoRatio     = "sortino_ratio"

	StatTotalTrades      = "total_trades"
	StatProfitableTrades = "profitable_trades"
	StatWinRate          = "win_rate"
	StatAverageProfit    = "average_profit"
	StatAverageLoss      = "average_loss"
	StatProfitFactor     = "profit_factor"
	StatTotalFees        = "total_fees"
	StatAverageDuration  = "average_duration_seconds"

	DrawdownMax         = "max_drawdown"
	DrawdownAverage     = "avg_drawdown"
	DrawdownMaxDuration = "max_drawdown_duration"
)

const (
	periodsPerYear = 252
	daysPerYear    = 365
)

// ComputeMetrics derives performance, trade and drawdown metrics from an
// equity curve and a closed-trade ledger. Returns and drawdowns are
// fractions. Every key is always present; degenerate inputs report 0.
func ComputeMetrics(curve []domain.EquityPoint, trades []domain.Trade) (perf, stats, drawdown map[string]float64) {
	return performanceMetrics(curve), tradeMetrics(trades), drawdownMetrics(curve)
}

func performanceMetrics(curve []domain.EquityPoint) map[string]float64 {
	m := map[string]float64{
		MetricTotalReturn:      0,
		MetricAnnualizedReturn: 0,
		MetricSharpeRatio:      0,
		MetricSortinoRatio:     0,
	}
	if len(curve) < 2 {
		return m
	}

	first, last := curve[0], curve[len(curve)-1]
	if first.Equity > 0 {
		total := last.Equity/first.Equity - 1
		m[MetricTotalReturn] = finiteOrZero(total)

		days := math.Floor(last.Timestamp.Sub(first.Timestamp).Hours() / 24)
		if days >= 1 {
			m[MetricAnnualizedReturn] = finiteOrZero(math.Pow(1+total, daysPerYear/days) - 1)
		}
	}

	returns := make([]float64, 0, len(curve)-1)
	var downside []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		r := curve[i].Equity/prev - 1
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		returns = append(returns, r)
		if r < 0 {
			downside = append(downside, r)
		}
	}

	mean := indicators.Mean(returns)
	if std := indicators.Std(returns); std > 0 {
		m[MetricSharpeRatio] = finiteOrZero(mean / std * math.Sqrt(periodsPerYear))
	}
	if len(downside) >= 2 {
		if std := indicators.Std(downside); std > 0 {
			m[MetricSortinoRatio] = finiteOrZero(mean / std * math.Sqrt(periodsPerYear))
		}
	}
	return m
}

func tradeMetrics(trades []domain.Trade) map[string]float64 {
	m := map[string]float64{
		StatTotalTrades:      float64(len(trades)),
		StatProfitableTrades: 0,
		StatWinRate:          0,
		StatAverageProfit:    0,
		StatAverageLoss:      0,
		StatProfitFactor:     0,
		StatTotalFees:        0,
		StatAverageDuration:  0,
	}
	if len(trades) == 0 {
		return m
	}

	var (
		wins, losses        int
		grossWin, grossLoss float64
		fees, durationSecs  float64
	)
	for i := range trades {
		t := &trades[i]
		if t.RealizedPnL > 0 {
			wins++
			grossWin += t.RealizedPnL
		} else {
			losses++
			grossLoss += t.RealizedPnL
		}
		fees += t.Fees
		durationSecs += t.Duration().Seconds()
	}

	n := float64(len(trades))
	m[StatProfitableTrades] = float64(wins)
	m[StatWinRate] = float64(wins) / n
	if wins > 0 {
		m[StatAverageProfit] = grossWin / float64(wins)
	}
	if losses > 0 {
		m[StatAverageLoss] = grossLoss / float64(losses)
		if grossLoss != 0 {
			m[StatProfitFactor] = finiteOrZero(grossWin / math.Abs(grossLoss))
		}
	}
	m[StatTotalFees] = fees
	m[StatAverageDuration] = durationSecs / n
	return m
}

func drawdownMetrics(curve []domain.EquityPoint) map[string]float64 {
	m := map[string]float64{
		DrawdownMax:         0,
		DrawdownAverage:     0,
		DrawdownMaxDuration: 0,
	}

	peak := math.Inf(-1)
	var (
		worst, sum   float64
		count        int
		run, longest int
	)
	for _, p := range curve {
		peak = math.Max(peak, p.Equity)
		dd := 0.0
		if peak > 0 {
			dd = (p.Equity - peak) / peak
		}
		if dd < 0 {
			worst = math.Min(worst, dd)
			sum += dd
			count++
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}

	m[DrawdownMax] = math.Abs(worst)
	if count > 0 {
		m[DrawdownAverage] = math.Abs(sum / float64(count))
	}
	m[DrawdownMaxDuration] = float64(longest)
	return m
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
