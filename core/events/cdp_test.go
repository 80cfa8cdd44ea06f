package events

import (
	"math/big"
	"testing"

	"stblengine/crypto"
)

func TestCollateralRedeemedEvent(t *testing.T) {
	from := crypto.MustNewAddress(crypto.AccountPrefix, append(make([]byte, 19), 1))
	to := crypto.MustNewAddress(crypto.AccountPrefix, append(make([]byte, 19), 2))
	evt := CollateralRedeemed{
		From:   from,
		To:     to,
		Asset:  crypto.AssetAddress("WETH"),
		Amount: big.NewInt(250),
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeCollateralRedeemed {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["from"] != from.String() || evt.Attributes["to"] != to.String() {
		t.Fatalf("unexpected parties: %+v", evt.Attributes)
	}
	if evt.Attributes["amount"] != "250" {
		t.Fatalf("unexpected amount: %s", evt.Attributes["amount"])
	}
}

func TestPositionLiquidatedNilAmounts(t *testing.T) {
	evt := PositionLiquidated{CoveredDebt: big.NewInt(7)}.Event()
	if evt.Attributes["coveredDebt"] != "7" {
		t.Fatalf("unexpected covered debt: %s", evt.Attributes["coveredDebt"])
	}
	if evt.Attributes["bonus"] != "0" || evt.Attributes["healthFactorAfter"] != "0" {
		t.Fatalf("nil amounts should render as zero: %+v", evt.Attributes)
	}
}

func TestMultiEmitterFansOut(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	emitter := MultiEmitter{first, nil, second}
	emitter.Emit(StableBurned{Amount: big.NewInt(1)})
	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected both recorders to observe the event")
	}
}
