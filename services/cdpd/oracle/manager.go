package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// Quote is a single upstream observation of an asset's USD price.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	out := Quote{Timestamp: q.Timestamp}
	if q.Rate != nil {
		out.Rate = new(big.Rat).Set(q.Rate)
	}
	return out
}

// Source resolves a USD price quote for an asset symbol.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (Quote, error)
}

// Round is the aggregate published to a feed on one tick.
type Round struct {
	Symbol    string
	RoundID   uint64
	Answer    *big.Int
	Decimals  uint8
	Median    string
	Feeders   []string
	ProofID   string
	UpdatedAt time.Time
}

// Recorder persists published rounds.
type Recorder interface {
	RecordRound(ctx context.Context, round Round) error
}

// RecorderFunc adapts ordinary functions to Recorder.
type RecorderFunc func(ctx context.Context, round Round) error

// RecordRound implements Recorder.
func (f RecorderFunc) RecordRound(ctx context.Context, round Round) error {
	if f == nil {
		return nil
	}
	return f(ctx, round)
}

// Manager periodically aggregates source quotes into round feeds.
type Manager struct {
	logger   *slog.Logger
	sources  []Source
	feeds    []*RoundFeed
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	recorder Recorder
	now      func() time.Time
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRecorder persists every published round.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New constructs a manager instance.
func New(sources []Source, feeds []*RoundFeed, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		sources:  append([]Source{}, sources...),
		feeds:    append([]*RoundFeed{}, feeds...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.recorder == nil {
		mgr.recorder = RecorderFunc(func(context.Context, Round) error { return nil })
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream sources until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("cdpd: oracle manager started", "sources", len(m.sources), "feeds", len(m.feeds))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("cdpd: oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across every feed. A feed that
// cannot be updated keeps its previous round and ages towards staleness.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var failed []string
	for _, feed := range m.feeds {
		if err := m.processFeed(ctx, feed); err != nil {
			m.logger.Warn("cdpd: feed not updated", "symbol", feed.Symbol(), "error", err)
			failed = append(failed, feed.Symbol())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("feeds not updated: %s", strings.Join(failed, ","))
	}
	return nil
}

func (m *Manager) processFeed(ctx context.Context, feed *RoundFeed) error {
	symbol := strings.TrimSpace(feed.Symbol())
	if symbol == "" {
		return fmt.Errorf("invalid feed configuration")
	}
	now := m.now()
	quotes := make([]Quote, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, symbol)
		if err != nil {
			m.logger.Debug("cdpd: source failed", "source", src.Name(), "symbol", symbol, "error", err)
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			m.logger.Debug("cdpd: source returned invalid rate", "source", src.Name(), "symbol", symbol)
			continue
		}
		if quote.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Debug("cdpd: source produced future timestamp", "source", src.Name(), "symbol", symbol)
			continue
		}
		if quote.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Debug("cdpd: source quote expired", "source", src.Name(), "symbol", symbol)
			continue
		}
		feeders = append(feeders, src.Name())
		quotes = append(quotes, quote.Clone())
	}
	if len(quotes) < m.minFeeds {
		return fmt.Errorf("insufficient oracle quotes for %s: %d of %d", symbol, len(quotes), m.minFeeds)
	}
	median := computeMedian(quotes)
	if median == nil || median.Sign() <= 0 {
		return fmt.Errorf("median computation failed for %s", symbol)
	}
	answer := ScaleRate(median, feed.Decimals())
	published, err := feed.Publish(answer, now)
	if err != nil {
		return err
	}
	round := Round{
		Symbol:    symbol,
		RoundID:   published.RoundID,
		Answer:    published.Answer,
		Decimals:  feed.Decimals(),
		Median:    median.FloatString(18),
		Feeders:   feeders,
		ProofID:   proofID(symbol, feeders, answer, now),
		UpdatedAt: now,
	}
	if err := m.recorder.RecordRound(ctx, round); err != nil {
		m.logger.Error("cdpd: record round", "symbol", symbol, "error", err)
	}
	return nil
}

func computeMedian(quotes []Quote) *big.Rat {
	sorted := make([]*big.Rat, 0, len(quotes))
	for _, q := range quotes {
		if q.Rate == nil {
			continue
		}
		sorted = append(sorted, new(big.Rat).Set(q.Rate))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

func proofID(symbol string, feeders []string, answer *big.Int, ts time.Time) string {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(symbol))
	buf.WriteString("/USD")
	buf.WriteString(answer.String())
	buf.WriteString(ts.UTC().Format(time.RFC3339Nano))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		buf.WriteString(strings.ToLower(strings.TrimSpace(f)))
	}
	digest := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(digest[:])
}
