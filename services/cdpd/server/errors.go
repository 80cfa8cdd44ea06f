package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"stblengine/native/cdp"
	nativecommon "stblengine/native/common"
	"stblengine/native/token"
	"stblengine/services/cdpd/journal"
	"stblengine/services/cdpd/oracle"
)

var errBadRequest = errors.New("bad request")

type errorMapping struct {
	target error
	status int
	reason string
}

// errorMappings is checked in order; the first sentinel found in the chain
// decides the response. Engine sentinels precede the token errors they wrap.
var errorMappings = []errorMapping{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
	{cdp.ErrReentrantCall, http.StatusConflict, "reentrant_call"},
	{cdp.ErrAmountZero, http.StatusBadRequest, "amount_zero"},
	{cdp.ErrAmountOverflow, http.StatusBadRequest, "amount_overflow"},
	{cdp.ErrTokenNotAllowed, http.StatusBadRequest, "token_not_allowed"},
	{cdp.ErrInvalidAsset, http.StatusBadRequest, "invalid_asset"},
	{cdp.ErrOracleStale, http.StatusServiceUnavailable, "oracle_stale"},
	{cdp.ErrInvalidPrice, http.StatusServiceUnavailable, "invalid_price"},
	{cdp.ErrInsufficientCollateral, http.StatusUnprocessableEntity, "insufficient_collateral"},
	{cdp.ErrInsufficientDebt, http.StatusUnprocessableEntity, "insufficient_debt"},
	{cdp.ErrBadHealthFactor, http.StatusUnprocessableEntity, "bad_health_factor"},
	{cdp.ErrGoodHealthFactor, http.StatusUnprocessableEntity, "good_health_factor"},
	{cdp.ErrHealthFactorNotImproved, http.StatusUnprocessableEntity, "health_factor_not_improved"},
	{cdp.ErrTransferFailed, http.StatusUnprocessableEntity, "transfer_failed"},
	{cdp.ErrMintFailed, http.StatusInternalServerError, "mint_failed"},
	{token.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{token.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{token.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{token.ErrInsufficientAllowance, http.StatusUnprocessableEntity, "insufficient_allowance"},
	{oracle.ErrNoRound, http.StatusServiceUnavailable, "no_round"},
	{journal.ErrNotFound, http.StatusNotFound, "not_found"},
}

// classify maps err to an HTTP status and a stable reason code.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorBody{Error: message, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
