package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	_ = ctx
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

type capturingRecorder struct {
	rounds []Round
}

func (c *capturingRecorder) RecordRound(ctx context.Context, round Round) error {
	_ = ctx
	c.rounds = append(c.rounds, round)
	return nil
}

func mustRat(value string) *big.Rat {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		panic("invalid rat")
	}
	return rat
}

func TestManagerTickPublishesMedianRound(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	srcA := &fakeSource{name: "alpha", quote: Quote{Rate: mustRat("1990.5"), Timestamp: now}}
	srcB := &fakeSource{name: "beta", quote: Quote{Rate: mustRat("2000.25"), Timestamp: now}}
	srcC := &fakeSource{name: "gamma", quote: Quote{Rate: mustRat("2100"), Timestamp: now}}
	feed := NewRoundFeed("WETH", 8)
	recorder := &capturingRecorder{}

	mgr, err := New([]Source{srcA, srcB, srcC}, []*RoundFeed{feed}, time.Second, time.Minute, 2,
		WithRecorder(recorder), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, mgr.Tick(context.Background()))

	round, err := feed.LatestRoundData()
	require.NoError(t, err)
	require.Equal(t, uint64(1), round.RoundID)
	require.Equal(t, "200025000000", round.Answer.String())
	require.True(t, round.UpdatedAt.Equal(now))

	require.Len(t, recorder.rounds, 1)
	require.Equal(t, "2000.250000000000000000", recorder.rounds[0].Median)
	require.Equal(t, []string{"alpha", "beta", "gamma"}, recorder.rounds[0].Feeders)
	require.Len(t, recorder.rounds[0].ProofID, 64)
}

func TestManagerSkipsExpiredAndFutureQuotes(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fresh := &fakeSource{name: "fresh", quote: Quote{Rate: mustRat("10"), Timestamp: now}}
	expired := &fakeSource{name: "expired", quote: Quote{Rate: mustRat("1"), Timestamp: now.Add(-2 * time.Minute)}}
	future := &fakeSource{name: "future", quote: Quote{Rate: mustRat("1"), Timestamp: now.Add(time.Minute)}}
	broken := &fakeSource{name: "broken", err: errors.New("unreachable")}
	feed := NewRoundFeed("WBTC", 8)

	mgr, err := New([]Source{fresh, expired, future, broken}, []*RoundFeed{feed}, time.Second, time.Minute, 2,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.Error(t, mgr.Tick(context.Background()))

	_, err = feed.LatestRoundData()
	require.ErrorIs(t, err, ErrNoRound)

	mgr.minFeeds = 1
	require.NoError(t, mgr.Tick(context.Background()))
	round, err := feed.LatestRoundData()
	require.NoError(t, err)
	require.Equal(t, "1000000000", round.Answer.String())
}

func TestRoundFeedRejectsOutOfOrderRounds(t *testing.T) {
	feed := NewRoundFeed("WETH", 18)
	now := time.Now()
	_, err := feed.Publish(big.NewInt(0), now)
	require.Error(t, err)

	first, err := feed.Publish(big.NewInt(5), now)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.RoundID)

	_, err = feed.Publish(big.NewInt(6), now.Add(-time.Second))
	require.Error(t, err)

	second, err := feed.Publish(big.NewInt(7), now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.RoundID)

	latest, err := feed.LatestRoundData()
	require.NoError(t, err)
	latest.Answer.SetInt64(0)
	again, err := feed.LatestRoundData()
	require.NoError(t, err)
	require.Equal(t, int64(7), again.Answer.Int64())
}

func TestScaleRateTruncates(t *testing.T) {
	require.Equal(t, "123456789", ScaleRate(mustRat("1.234567899"), 8).String())
	require.Equal(t, "2000", ScaleRate(mustRat("2000"), 0).String())
	require.Equal(t, "0", ScaleRate(nil, 8).String())
}
