package indicator

// RSI calculates the Relative Strength Index from simple rolling means of
// gains and losses over the last period price changes.
//
// A window with no losses reads 100 (or 50 when it also has no gains).
// Until period changes have been seen the value is the neutral 50.
type RSI struct {
	period    int
	count     int
	prevClose float64
	gains     *SMA
	losses    *SMA
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	if period < 1 {
		period = 1
	}
	return &RSI{
		period: period,
		gains:  NewSMA(period),
		losses: NewSMA(period),
	}
}

func (r *RSI) Update(v float64) {
	r.count++
	if r.count == 1 {
		// First value — just record price, no delta yet
		r.prevClose = v
		return
	}

	gain, loss := split(v - r.prevClose)
	r.prevClose = v
	r.gains.Update(gain)
	r.losses.Update(loss)
}

func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 50
	}
	return rsiFrom(r.gains.Value(), r.losses.Value())
}

func (r *RSI) Ready() bool { return r.count > r.period }

func (r *RSI) copyFrom(o *RSI) {
	r.period, r.count, r.prevClose = o.period, o.count, o.prevClose
	r.gains.copyFrom(o.gains)
	r.losses.copyFrom(o.losses)
}

// Reset clears the RSI state for reuse.
func (r *RSI) Reset() {
	r.count = 0
	r.prevClose = 0
	r.gains.Reset()
	r.losses.Reset()
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
