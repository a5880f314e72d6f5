package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/types"
)

func (s *Server) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	sessions, err := s.storage.GetChargeSessions(ctx, s.accountNumber(), limit)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get sessions", slog.Any("error", err))
		writeJSONError(w, "failed to get sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []types.ChargeSession{}
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, sessions)
}

func (s *Server) handleHistoryTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	transitions, err := s.storage.GetTransitions(ctx, s.accountNumber(), start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get transitions", slog.Any("error", err))
		writeJSONError(w, "failed to get transitions", http.StatusInternalServerError)
		return
	}
	if transitions == nil {
		transitions = []types.StateTransition{}
	}

	// Transitions in the past never change, only the open-ended tail does.
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, transitions)
}

func (s *Server) accountNumber() string {
	return s.engine.AccountNumber()
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to the last 7 days if not specified
		end := time.Now()
		start := end.AddDate(0, 0, -7)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > 90*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 90 days")
	}

	return start, end, nil
}
