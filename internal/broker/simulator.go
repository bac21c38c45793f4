package broker

import "quantsim/internal/domain"

// Compile-time interface check.
var _ Filler = (*Simulator)(nil)

// Simulator fills at the reference price moved against the initiator by a
// fixed slippage fraction and charges a proportional fee. Buys execute at
// price*(1+slippage) and sells at price*(1-slippage).
type Simulator struct {
	feeRate  float64
	slippage float64
}

// NewSimulator creates a Simulator. feeRate and slippage are fractions
// (0.001 is 0.1%); the include flags zero them out when unset.
func NewSimulator(feeRate, slippage float64, includeFees, includeSlippage bool) *Simulator {
	s := &Simulator{}
	if includeFees {
		s.feeRate = feeRate
	}
	if includeSlippage {
		s.slippage = slippage
	}
	return s
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// EntryPrice buys for longs and sells for shorts.
func (s *Simulator) EntryPrice(d domain.Direction, price float64) float64 {
	if d == domain.Long {
		return s.buy(price)
	}
	return s.sell(price)
}

// ExitPrice sells for longs and buys back for shorts.
func (s *Simulator) ExitPrice(d domain.Direction, price float64) float64 {
	if d == domain.Long {
		return s.sell(price)
	}
	return s.buy(price)
}

// Fee returns notional*feeRate.
func (s *Simulator) Fee(notional float64) float64 {
	return notional * s.feeRate
}

func (s *Simulator) buy(price float64) float64  { return price * (1 + s.slippage) }
func (s *Simulator) sell(price float64) float64 { return price * (1 - s.slippage) }
