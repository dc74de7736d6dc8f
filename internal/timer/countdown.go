// Package timer implements the per-session countdown bound to a wallet
// balance and a per-minute rate: the tick engines, warning policy,
// initialization against the document store and the session runner that
// ties them together.
package timer

// lowBalanceLookahead is how many seconds of spend must be covered by the
// local balance estimate before a tick is flagged as low balance.
const lowBalanceLookahead = 5

// Tick is what an engine reports once per period.
type Tick struct {
	TimeLeft   int
	Elapsed    int
	LowBalance bool
}

// Countdown is the state owned by a single engine instance. Balance is an
// engine-local estimate decremented by the per-second cost on every step;
// it is never re-fetched.
type Countdown struct {
	TimeLeft int
	Elapsed  int
	Balance  float64
	Rate     float64
}

// Step advances one second. Once TimeLeft is zero the state no longer changes.
func (c *Countdown) Step() Tick {
	if c.TimeLeft > 0 {
		c.TimeLeft--
		c.Elapsed++
		c.Balance -= c.Rate / 60
	}
	return Tick{
		TimeLeft:   c.TimeLeft,
		Elapsed:    c.Elapsed,
		LowBalance: c.Rate/60*lowBalanceLookahead > c.Balance,
	}
}

// Rebase replaces the estimate with one derived from a refreshed wallet
// balance. Time and elapsed are untouched.
func (c *Countdown) Rebase(walletBalance float64) {
	c.Balance = BalanceEstimate(walletBalance, c.Rate, c.Elapsed)
}

// BalanceEstimate seeds an engine: the wallet balance minus what the time
// already utilized in this session costs.
func BalanceEstimate(walletBalance, ratePerMinute float64, utilized int) float64 {
	return walletBalance - ratePerMinute/60*float64(utilized)
}
