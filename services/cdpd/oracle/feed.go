package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"stblengine/native/cdp"
)

// ErrNoRound is returned by LatestRoundData before the first answer arrives.
var ErrNoRound = errors.New("oracle: feed has no rounds")

// RoundFeed is an in-process aggregator feed. Each published answer opens a
// new round; the engine reads the latest one through cdp.PriceSource.
type RoundFeed struct {
	mu       sync.RWMutex
	symbol   string
	decimals uint8
	latest   cdp.RoundData
	rounds   uint64
}

// NewRoundFeed creates an empty feed reporting answers with decimals digits.
func NewRoundFeed(symbol string, decimals uint8) *RoundFeed {
	return &RoundFeed{symbol: symbol, decimals: decimals}
}

// Symbol returns the asset ticker the feed prices.
func (f *RoundFeed) Symbol() string { return f.symbol }

// Decimals implements cdp.PriceSource.
func (f *RoundFeed) Decimals() uint8 { return f.decimals }

// LatestRoundData implements cdp.PriceSource.
func (f *RoundFeed) LatestRoundData() (cdp.RoundData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.rounds == 0 {
		return cdp.RoundData{}, fmt.Errorf("%w: %s", ErrNoRound, f.symbol)
	}
	round := f.latest
	round.Answer = new(big.Int).Set(f.latest.Answer)
	return round, nil
}

// Publish records answer as a new round observed at updatedAt.
func (f *RoundFeed) Publish(answer *big.Int, updatedAt time.Time) (cdp.RoundData, error) {
	if answer == nil || answer.Sign() <= 0 {
		return cdp.RoundData{}, fmt.Errorf("oracle: %s answer must be positive", f.symbol)
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rounds > 0 && updatedAt.Before(f.latest.UpdatedAt) {
		return cdp.RoundData{}, fmt.Errorf("oracle: %s round at %s predates latest %s", f.symbol, updatedAt.UTC().Format(time.RFC3339), f.latest.UpdatedAt.UTC().Format(time.RFC3339))
	}
	f.rounds++
	f.latest = cdp.RoundData{
		RoundID:         f.rounds,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: f.rounds,
	}
	round := f.latest
	round.Answer = new(big.Int).Set(answer)
	return round, nil
}

// ScaleRate converts a decimal rate to a feed answer with decimals digits,
// truncating any remaining fraction.
func ScaleRate(rate *big.Rat, decimals uint8) *big.Int {
	if rate == nil {
		return new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Int).Mul(rate.Num(), scale)
	return scaled.Quo(scaled, rate.Denom())
}
