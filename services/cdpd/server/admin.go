package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stblengine/integrations/exports"
	"stblengine/native/cdp"
	"stblengine/services/cdpd/journal"
	"stblengine/services/cdpd/oracle"
)

type fundRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type roundRequest struct {
	Answer    string     `json:"answer"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// fundToken mints test collateral. The token only accepts mints from its
// owner, so the caller must be the configured admin account.
func (s *Server) fundToken(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	caller, good := s.decodeCall(w, r, "fund", &req)
	if !good {
		return
	}
	ledger, err := s.token(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, r, "fund", err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.fail(w, r, "fund", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "fund", err)
		return
	}
	s.call(w, r, "fund", func() (interface{}, error) {
		if _, err := ledger.Mint(caller, to, amount); err != nil {
			return nil, err
		}
		s.logger.Info("token funded", "symbol", ledger.Symbol(), "to", to.String(), "amount", amount.String())
		return okStatus, nil
	})
}

// publishRound pushes an operator answer to a feed, bypassing the sources.
func (s *Server) publishRound(w http.ResponseWriter, r *http.Request) {
	var req roundRequest
	caller, good := s.decodeCall(w, r, "publish_round", &req)
	if !good {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	feed, found := s.feeds[symbol]
	if !found {
		s.fail(w, r, "publish_round", fmt.Errorf("%w: unknown feed %q", errBadRequest, symbol))
		return
	}
	answer, err := parseAmount("answer", req.Answer)
	if err != nil {
		s.fail(w, r, "publish_round", err)
		return
	}
	updatedAt := s.now()
	if req.UpdatedAt != nil {
		updatedAt = *req.UpdatedAt
	}
	s.call(w, r, "publish_round", func() (interface{}, error) {
		round, err := feed.Publish(answer, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		s.metrics.RecordRound(symbol)
		if s.recorder != nil {
			record := oracle.Round{
				Symbol:    symbol,
				RoundID:   round.RoundID,
				Answer:    round.Answer,
				Decimals:  feed.Decimals(),
				Median:    round.Answer.String(),
				Feeders:   []string{"operator:" + caller.String()},
				ProofID:   uuid.NewString(),
				UpdatedAt: round.UpdatedAt,
			}
			if err := s.recorder.RecordRound(r.Context(), record); err != nil {
				s.logger.Warn("record operator round", "symbol", symbol, "error", err)
			}
		}
		return map[string]interface{}{
			"symbol":     symbol,
			"round_id":   round.RoundID,
			"answer":     round.Answer.String(),
			"updated_at": round.UpdatedAt.UTC(),
		}, nil
	})
}

func (s *Server) setPaused(paused bool) http.HandlerFunc {
	op := "resume"
	if paused {
		op = "pause"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if s.pauses == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "pause switch not configured")
			return
		}
		s.pauses.Set(cdp.ModuleName, paused)
		s.metrics.ObserveOperation(op, "ok")
		s.logger.Warn("engine pause toggled", "module", cdp.ModuleName, "paused", paused, "request_id", requestIDOf(r))
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.pauses.IsPaused(cdp.ModuleName)})
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.fail(w, r, "events", err)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "journal not configured")
		return
	}
	records, err := s.journal.Events(r.Context(), filter)
	if err != nil {
		s.fail(w, r, "events", err)
		return
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		attrs, err := journal.DecodeAttributes(record)
		if err != nil {
			s.fail(w, r, "events", err)
			return
		}
		out = append(out, map[string]interface{}{
			"id":         record.ID.String(),
			"type":       record.Type,
			"attributes": attrs,
			"created_at": record.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// exportJournal streams the filtered journal as csv (default), jsonl or
// parquet with the payload checksum in X-Checksum-SHA256.
func (s *Server) exportJournal(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "journal not configured")
		return
	}
	records, err := s.journal.Events(r.Context(), filter)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	var (
		data        []byte
		checksum    string
		contentType string
		ext         string
	)
	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", "csv":
		data, checksum, err = exports.EventsCSV(records)
		contentType, ext = "text/csv", "csv"
	case "jsonl":
		data, checksum, err = exports.EventsJSONL(records)
		contentType, ext = "application/x-ndjson", "jsonl"
	case "parquet":
		data, checksum, err = exports.EventsParquet(records)
		contentType, ext = "application/vnd.apache.parquet", "parquet"
	default:
		s.fail(w, r, "export", fmt.Errorf("%w: unsupported format %q", errBadRequest, format))
		return
	}
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	s.metrics.ObserveOperation("export", "ok")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=cdp-events.%s", ext))
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseEventFilter(r *http.Request) (journal.EventFilter, error) {
	query := r.URL.Query()
	filter := journal.EventFilter{
		Type:    strings.TrimSpace(query.Get("type")),
		Account: strings.TrimSpace(query.Get("account")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
		filter.Limit = limit
	}
	for key, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("%w: %s must be RFC3339", errBadRequest, key)
		}
		*dst = parsed
	}
	return filter, nil
}
