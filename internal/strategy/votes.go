package strategy

import (
	"strings"
	"time"

	"tradebot/internal/model"
)

// Input is everything one fusion decision needs.
type Input struct {
	Symbol      string
	Bars        int // length of the decision series
	Snapshot    model.FeatureSnapshot
	Score       float64 // predictor output, percent move
	HasPosition bool
	TS          time.Time
}

// Evaluate fuses four bullish and four bearish conditions into one signal.
// A side needs at least VotesRequired agreeing votes, and BUY is only
// emitted without a position, SELL only with one.
func Evaluate(in Input, p Params) model.Signal {
	p = p.withDefaults()
	sig := model.Signal{
		Symbol:     in.Symbol,
		Side:       model.SideHold,
		Score:      in.Score,
		Indicators: in.Snapshot,
		TS:         in.TS,
	}
	if in.Bars < p.MinBars {
		sig.Reason = "insufficient data"
		return sig
	}

	s := in.Snapshot
	c := model.Conditions{
		RSIOversold:   s.RSI < p.RSIOversold,
		RSIOverbought: s.RSI > p.RSIOverbought,
		EMABullish:    s.EMAShort > s.EMALong,
		EMABearish:    s.EMAShort < s.EMALong,
		MACDBullish:   s.MACD > s.MACDSignal,
		MACDBearish:   s.MACD < s.MACDSignal,
		ScoreBullish:  in.Score > p.ScoreThreshold,
		ScoreBearish:  in.Score < -p.ScoreThreshold,
	}
	sig.Conditions = c
	sig.BullVotes = count(c.RSIOversold, c.EMABullish, c.MACDBullish, c.ScoreBullish)
	sig.BearVotes = count(c.RSIOverbought, c.EMABearish, c.MACDBearish, c.ScoreBearish)

	switch {
	case sig.BullVotes >= p.VotesRequired && !in.HasPosition:
		sig.Side = model.SideBuy
		sig.Votes = sig.BullVotes
		dist := s.ATR * p.StopATRMultiplier
		sig.Price = s.Close
		sig.Stop = s.Close - dist
		sig.Target = s.Close + dist*p.TakeProfitRatio
		sig.Reason = "bullish " + names(c, true)
	case sig.BearVotes >= p.VotesRequired && in.HasPosition:
		sig.Side = model.SideSell
		sig.Votes = sig.BearVotes
		sig.Price = s.Close
		sig.Reason = "bearish " + names(c, false)
	}
	return sig
}

func count(conds ...bool) int {
	n := 0
	for _, c := range conds {
		if c {
			n++
		}
	}
	return n
}

func names(c model.Conditions, bull bool) string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	if bull {
		add(c.RSIOversold, "rsi_oversold")
		add(c.EMABullish, "ema_bullish")
		add(c.MACDBullish, "macd_bullish")
		add(c.ScoreBullish, "score_bullish")
	} else {
		add(c.RSIOverbought, "rsi_overbought")
		add(c.EMABearish, "ema_bearish")
		add(c.MACDBearish, "macd_bearish")
		add(c.ScoreBearish, "score_bearish")
	}
	return strings.Join(out, ",")
}

// Reprice moves a signal decided on a coarser series to the latest base
// price, shifting stop and target by the same distance.
func Reprice(sig model.Signal, price float64) model.Signal {
	if sig.Side == model.SideHold || price <= 0 || sig.Price == 0 || price == sig.Price {
		return sig
	}
	shift := price - sig.Price
	sig.Price = price
	if sig.Stop != 0 {
		sig.Stop += shift
		sig.Target += shift
	}
	return sig
}
