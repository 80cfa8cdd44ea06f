package cdp

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stblengine/crypto"
)

func TestNormalizePriceScalesExactly(t *testing.T) {
	cases := []struct {
		name     string
		answer   string
		decimals uint8
		want     string
	}{
		{name: "eight decimals", answer: "200000000000", decimals: 8, want: "2000000000000000000000"},
		{name: "native precision", answer: "2000000000000000000000", decimals: 18, want: "2000000000000000000000"},
		{name: "twenty decimals", answer: "200000000000000000000000", decimals: 20, want: "2000000000000000000000"},
		{name: "zero decimals", answer: "2000", decimals: 0, want: "2000000000000000000000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizePrice(mustBig(t, tc.answer), tc.decimals)
			expectAmount(t, "normalized price", got, mustBig(t, tc.want))
		})
	}
}

func TestCalculateHealthFactor(t *testing.T) {
	expectAmount(t, "no debt", CalculateHealthFactor(big.NewInt(0), units(1)), MaxHealthFactor())
	expectAmount(t, "200%", CalculateHealthFactor(units(100), units(200)), MinHealthFactor())
	expectAmount(t, "400%", CalculateHealthFactor(units(100), units(400)), units(2))
	expectAmount(t, "no collateral", CalculateHealthFactor(units(100), nil), new(big.Int))

	if MaxHealthFactor().BitLen() != 256 {
		t.Fatalf("max health factor must span 256 bits")
	}
}

func TestEngineConstantsAreCopies(t *testing.T) {
	c := EngineConstants()
	c.Precision.SetInt64(1)
	fresh := EngineConstants()
	expectAmount(t, "precision", fresh.Precision, pow10(PrecisionDecimals))
	if fresh.OracleTimeout != 3*time.Hour {
		t.Fatalf("unexpected oracle timeout %s", fresh.OracleTimeout)
	}
	expectAmount(t, "threshold", fresh.LiquidationThreshold, big.NewInt(50))
	expectAmount(t, "bonus", fresh.LiquidationBonus, big.NewInt(10))
}

func TestToWordBounds(t *testing.T) {
	if _, err := toWord(nil); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("expected ErrAmountZero for nil, got %v", err)
	}
	if _, err := toWord(big.NewInt(-1)); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("expected ErrAmountZero for negative, got %v", err)
	}
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := toWord(tooLarge); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestOracleRejectsBadReadings(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	weth := crypto.AssetAddress("WETH")
	feed := newMockFeed(2000, 8, now)
	registry, err := NewRegistry([]crypto.Address{weth}, []PriceSource{feed})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	oracle := NewPriceOracleAdapter(registry, func() time.Time { return now })

	price, err := oracle.Price(weth)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	expectAmount(t, "price", price.Value, units(2000))
	if price.Decimals != 8 {
		t.Fatalf("expected source decimals to be kept, got %d", price.Decimals)
	}

	feed.answer = big.NewInt(0)
	if _, err := oracle.Price(weth); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	feed.answer = big.NewInt(-5)
	if _, err := oracle.Price(weth); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for negative answer, got %v", err)
	}

	feed.setPrice(2000)
	feed.updatedAt = time.Time{}
	if _, err := oracle.Price(weth); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("expected ErrOracleStale for unset round, got %v", err)
	}

	feed.updatedAt = now
	feed.err = errors.New("rpc down")
	if _, err := oracle.Price(weth); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("expected ErrOracleStale for feed error, got %v", err)
	}

	if _, err := oracle.Price(crypto.AssetAddress("DOGE")); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
}

func TestConverterRoundTripWithinTolerance(t *testing.T) {
	now := time.Now()
	asset := crypto.AssetAddress("ODD")
	feed := &mockFeed{answer: big.NewInt(333_333_333), decimals: 8, updatedAt: now}
	registry, err := NewRegistry([]crypto.Address{asset}, []PriceSource{feed})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	converter := NewValueConverter(NewPriceOracleAdapter(registry, func() time.Time { return now }))

	amount := mustBig(t, "123456789012345678901")
	value, err := converter.ToValueUnits(asset, amount)
	if err != nil {
		t.Fatalf("to value: %v", err)
	}
	back, err := converter.ToAssetAmount(asset, value)
	if err != nil {
		t.Fatalf("to amount: %v", err)
	}
	diff := new(big.Int).Sub(amount, back)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("round trip drifted by %s", diff)
	}
}
