// Package broker defines the Filler interface that prices simulated
// executions, and the slippage-and-fee simulator used for backtests.
package broker

import "quantsim/internal/domain"

// Filler prices executions. Implementations must be deterministic for a
// given input so simulation runs are reproducible.
type Filler interface {
	// Name returns the filler identifier (e.g. "simulator").
	Name() string

	// EntryPrice returns the price at which a position in direction d is
	// opened when the reference price is price.
	EntryPrice(d domain.Direction, price float64) float64

	// ExitPrice returns the price at which a position in direction d is
	// closed when the reference price is price.
	ExitPrice(d domain.Direction, price float64) float64

	// Fee returns the commission charged on an execution of the given
	// notional value.
	Fee(notional float64) float64
}
