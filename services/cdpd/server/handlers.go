package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stblengine/crypto"
	"stblengine/native/cdp"
	"stblengine/native/token"
)

type collateralRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type compositeRequest struct {
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	StblAmount       string `json:"stbl_amount"`
}

type liquidationRequest struct {
	Debtor      string `json:"debtor"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type positionResponse struct {
	User            string            `json:"user"`
	Debt            string            `json:"debt"`
	CollateralValue string            `json:"collateral_value"`
	HealthFactor    string            `json:"health_factor"`
	Liquidatable    bool              `json:"liquidatable"`
	Collateral      map[string]string `json:"collateral"`
}

type liquidationResponse struct {
	CoveredDebt        string `json:"covered_debt"`
	CollateralSeized   string `json:"collateral_seized"`
	Bonus              string `json:"bonus"`
	HealthFactorBefore string `json:"health_factor_before"`
	HealthFactorAfter  string `json:"health_factor_after"`
}

type priceResponse struct {
	Asset     string    `json:"asset"`
	Symbol    string    `json:"symbol,omitempty"`
	Price     string    `json:"price,omitempty"`
	Decimals  uint8     `json:"feed_decimals"`
	RoundID   uint64    `json:"round_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

var okStatus = statusResponse{Status: "ok"}

// --- Mutating engine calls ---

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	caller, good := s.decodeCall(w, r, "deposit", &req)
	if !good {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	asset := resolveAsset(req.Asset)
	s.call(w, r, "deposit", func() (interface{}, error) {
		return okStatus, s.engine.DepositCollateral(caller, asset, amount)
	})
}

func (s *Server) redeemCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	caller, good := s.decodeCall(w, r, "redeem", &req)
	if !good {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "redeem", err)
		return
	}
	asset := resolveAsset(req.Asset)
	s.call(w, r, "redeem", func() (interface{}, error) {
		return okStatus, s.engine.RedeemCollateral(caller, asset, amount)
	})
}

func (s *Server) mintStbl(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, good := s.decodeCall(w, r, "mint", &req)
	if !good {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	s.call(w, r, "mint", func() (interface{}, error) {
		return okStatus, s.engine.MintStbl(caller, amount)
	})
}

func (s *Server) burnStbl(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, good := s.decodeCall(w, r, "burn", &req)
	if !good {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "burn", err)
		return
	}
	s.call(w, r, "burn", func() (interface{}, error) {
		return okStatus, s.engine.BurnStbl(caller, amount)
	})
}

func (s *Server) depositAndMint(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	caller, good := s.decodeCall(w, r, "deposit_and_mint", &req)
	if !good {
		return
	}
	collateral, stbl, err := parsePair(req)
	if err != nil {
		s.fail(w, r, "deposit_and_mint", err)
		return
	}
	asset := resolveAsset(req.Asset)
	s.call(w, r, "deposit_and_mint", func() (interface{}, error) {
		return okStatus, s.engine.DepositCollateralAndMintStbl(caller, asset, collateral, stbl)
	})
}

func (s *Server) redeemForStbl(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	caller, good := s.decodeCall(w, r, "burn_and_withdraw", &req)
	if !good {
		return
	}
	collateral, stbl, err := parsePair(req)
	if err != nil {
		s.fail(w, r, "burn_and_withdraw", err)
		return
	}
	asset := resolveAsset(req.Asset)
	s.call(w, r, "burn_and_withdraw", func() (interface{}, error) {
		return okStatus, s.engine.BurnStblAndWithdrawCollateral(caller, asset, collateral, stbl)
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	caller, good := s.decodeCall(w, r, "liquidate", &req)
	if !good {
		return
	}
	debtor, err := parseAddress("debtor", req.Debtor)
	if err != nil {
		s.fail(w, r, "liquidate", err)
		return
	}
	covered, err := parseAmount("debt_to_cover", req.DebtToCover)
	if err != nil {
		s.fail(w, r, "liquidate", err)
		return
	}
	asset := resolveAsset(req.Asset)
	s.call(w, r, "liquidate", func() (interface{}, error) {
		result, err := s.engine.Liquidate(caller, asset, debtor, covered)
		if err != nil {
			return nil, err
		}
		decimals := uint8(cdp.PrecisionDecimals)
		label := asset.String()
		if ledger, found := s.byAsset[asset]; found {
			decimals = ledger.Decimals()
			label = ledger.Symbol()
		}
		s.metrics.RecordLiquidation(label, result.CollateralSeized, decimals)
		return liquidationResponse{
			CoveredDebt:        result.CoveredDebt.String(),
			CollateralSeized:   result.CollateralSeized.String(),
			Bonus:              result.Bonus.String(),
			HealthFactorBefore: result.HealthFactorBefore.String(),
			HealthFactorAfter:  result.HealthFactorAfter.String(),
		}, nil
	})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	caller, good := s.decodeCall(w, r, "approve", &req)
	if !good {
		return
	}
	ledger, err := s.token(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	spender := s.engine.Address()
	if strings.TrimSpace(req.Spender) != "" {
		if spender, err = parseAddress("spender", req.Spender); err != nil {
			s.fail(w, r, "approve", err)
			return
		}
	}
	s.call(w, r, "approve", func() (interface{}, error) {
		return okStatus, ledger.Approve(caller, spender, amount)
	})
}

// --- Reads ---

func (s *Server) getConstants(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Constants()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"precision":                c.Precision.String(),
		"liquidation_threshold":    c.LiquidationThreshold.String(),
		"liquidation_bonus":        c.LiquidationBonus.String(),
		"liquidation_precision":    c.LiquidationPrecision.String(),
		"min_health_factor":        c.MinHealthFactor.String(),
		"max_health_factor":        c.MaxHealthFactor.String(),
		"oracle_timeout_seconds":   int64(c.OracleTimeout / time.Second),
		"canonical_price_decimals": c.CanonicalPriceDecimals,
		"engine_address":           s.engine.Address().String(),
	})
}

func (s *Server) calculateHealthFactor(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	minted, err := parseAmount("total_minted", query.Get("total_minted"))
	if err != nil {
		s.fail(w, r, "calculate_health_factor", err)
		return
	}
	value, err := parseAmount("collateral_value", query.Get("collateral_value"))
	if err != nil {
		s.fail(w, r, "calculate_health_factor", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"health_factor": cdp.CalculateHealthFactor(minted, value).String(),
	})
}

func (s *Server) listCollateral(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, func() (interface{}, error) {
		assets := s.engine.CollateralTokens()
		out := make([]priceResponse, 0, len(assets))
		for _, asset := range assets {
			out = append(out, s.priceOf(asset))
		}
		return out, nil
	})
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	asset := resolveAsset(chi.URLParam(r, "asset"))
	s.read(w, r, func() (interface{}, error) {
		if _, err := s.engine.PriceFeed(asset); err != nil {
			return nil, err
		}
		price, err := s.engine.Price(asset)
		if err != nil {
			return nil, err
		}
		resp := s.priceOf(asset)
		resp.Price = price.Value.String()
		return resp, nil
	})
}

func (s *Server) priceOf(asset crypto.Address) priceResponse {
	resp := priceResponse{Asset: asset.String()}
	if ledger, found := s.byAsset[asset]; found {
		resp.Symbol = ledger.Symbol()
	}
	if feed, err := s.engine.PriceFeed(asset); err == nil {
		resp.Decimals = feed.Decimals()
	}
	price, err := s.engine.Price(asset)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Price = price.Value.String()
	resp.RoundID = price.RoundID
	resp.UpdatedAt = price.UpdatedAt.UTC()
	return resp
}

func (s *Server) getUsdValue(w http.ResponseWriter, r *http.Request) {
	asset := resolveAsset(chi.URLParam(r, "asset"))
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.fail(w, r, "usd_value", err)
		return
	}
	s.read(w, r, func() (interface{}, error) {
		value, err := s.engine.UsdValue(asset, amount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"usd_value": value.String()}, nil
	})
}

func (s *Server) getTokenAmount(w http.ResponseWriter, r *http.Request) {
	asset := resolveAsset(chi.URLParam(r, "asset"))
	usd, err := parseAmount("usd", r.URL.Query().Get("usd"))
	if err != nil {
		s.fail(w, r, "token_amount", err)
		return
	}
	s.read(w, r, func() (interface{}, error) {
		amount, err := s.engine.TokenAmountFromUsd(asset, usd)
		if err != nil {
			return nil, err
		}
		return map[string]string{"amount": amount.String()}, nil
	})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "account", err)
		return
	}
	s.read(w, r, func() (interface{}, error) {
		summary, err := s.engine.Position(user)
		if err != nil {
			return nil, err
		}
		return s.positionView(summary), nil
	})
}

func (s *Server) getHealthFactor(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "health_factor", err)
		return
	}
	s.read(w, r, func() (interface{}, error) {
		hf, err := s.engine.HealthFactor(user)
		if err != nil {
			return nil, err
		}
		info, err := s.engine.UserInformation(user)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"health_factor":    hf.String(),
			"total_minted":     info.TotalStblMinted.String(),
			"collateral_value": info.CollateralValueInUsd.String(),
		}, nil
	})
}

func (s *Server) getCollateralBalance(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "collateral_balance", err)
		return
	}
	asset := resolveAsset(chi.URLParam(r, "asset"))
	s.read(w, r, func() (interface{}, error) {
		if _, err := s.engine.PriceFeed(asset); err != nil {
			return nil, err
		}
		amount, err := s.engine.CollateralBalance(user, asset)
		if err != nil {
			return nil, err
		}
		return map[string]string{"amount": amount.String()}, nil
	})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	onlyLiquidatable := r.URL.Query().Get("liquidatable") == "true"
	s.read(w, r, func() (interface{}, error) {
		positions, err := s.engine.Positions()
		if err != nil {
			return nil, err
		}
		out := make([]positionResponse, 0, len(positions))
		for _, p := range positions {
			if onlyLiquidatable && !p.Liquidatable() {
				continue
			}
			out = append(out, s.positionView(p))
		}
		return out, nil
	})
}

func (s *Server) positionView(p cdp.PositionSummary) positionResponse {
	collateral := make(map[string]string, len(p.Collateral))
	for asset, amount := range p.Collateral {
		key := asset.String()
		if ledger, found := s.byAsset[asset]; found {
			key = ledger.Symbol()
		}
		collateral[key] = amount.String()
	}
	return positionResponse{
		User:            p.User.String(),
		Debt:            p.Debt.String(),
		CollateralValue: p.CollateralValue.String(),
		HealthFactor:    p.HealthFactor.String(),
		Liquidatable:    p.Liquidatable(),
		Collateral:      collateral,
	}
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, func() (interface{}, error) {
		ledger, err := s.token(chi.URLParam(r, "symbol"))
		if err != nil {
			return nil, err
		}
		supply, err := ledger.TotalSupply()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"symbol":       ledger.Symbol(),
			"address":      ledger.Address().String(),
			"owner":        ledger.Owner().String(),
			"decimals":     ledger.Decimals(),
			"total_supply": supply.String(),
		}, nil
	})
}

func (s *Server) getTokenBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "token_balance", err)
		return
	}
	s.read(w, r, func() (interface{}, error) {
		ledger, err := s.token(chi.URLParam(r, "symbol"))
		if err != nil {
			return nil, err
		}
		balance, err := ledger.BalanceOf(owner)
		if err != nil {
			return nil, err
		}
		allowance, err := ledger.Allowance(owner, s.engine.Address())
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"balance":          balance.String(),
			"engine_allowance": allowance.String(),
		}, nil
	})
}

// --- Helpers ---

func (s *Server) decodeCall(w http.ResponseWriter, r *http.Request, op string, dst interface{}) (crypto.Address, bool) {
	caller, err := CallerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return crypto.Address{}, false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.fail(w, r, op, fmt.Errorf("%w: invalid payload: %v", errBadRequest, err))
		return crypto.Address{}, false
	}
	return caller, true
}

func (s *Server) token(symbol string) (*token.Ledger, error) {
	ledger, found := s.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !found {
		return nil, fmt.Errorf("%w: unknown token %q", errBadRequest, symbol)
	}
	return ledger, nil
}

// resolveAsset accepts a bech32 asset address or a token symbol.
func resolveAsset(value string) crypto.Address {
	value = strings.TrimSpace(value)
	if addr, err := crypto.DecodeAddress(value); err == nil {
		return addr
	}
	return crypto.AssetAddress(value)
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return addr, nil
}

// parseAmount decodes a non-negative base-10 integer. Zero is passed through
// so the engine reports it.
func parseAmount(field, value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	amount, good := new(big.Int).SetString(value, 10)
	if !good {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", errBadRequest, field)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative", errBadRequest, field)
	}
	return amount, nil
}

func parsePair(req compositeRequest) (*big.Int, *big.Int, error) {
	collateral, err := parseAmount("collateral_amount", req.CollateralAmount)
	if err != nil {
		return nil, nil, err
	}
	stbl, err := parseAmount("stbl_amount", req.StblAmount)
	if err != nil {
		return nil, nil, err
	}
	return collateral, stbl, nil
}
