package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, version, err := s.storage.GetSettings(ctx, s.accountNumber())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	if version == 0 {
		version = types.CurrentSettingsVersion
	}
	writeJSON(w, struct {
		types.Settings
		Version int `json:"version"`
	}{Settings: settings, Version: version})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			writeJSONError(w, "invalid timezone", http.StatusBadRequest)
			return
		}
	}
	switch settings.TariffKind {
	case "", types.TariffVariable, types.TariffIndexed:
	default:
		writeJSONError(w, "invalid tariff kind", http.StatusBadRequest)
		return
	}
	if settings.EVEurosPerKWH < 0 {
		writeJSONError(w, "ev rate cannot be negative", http.StatusBadRequest)
		return
	}
	for _, rate := range []*float64{settings.Rates.Peak, settings.Rates.Standard, settings.Rates.OffPeak} {
		if rate != nil && *rate < 0 {
			writeJSONError(w, "band rates cannot be negative", http.StatusBadRequest)
			return
		}
	}

	if err := s.storage.SetSettings(ctx, s.accountNumber(), settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "settings updated")

	// rebuild schedules with the new rates right away
	if _, err := s.engine.RefreshNow(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "refresh after settings update failed", slog.Any("error", err))
	}

	w.WriteHeader(http.StatusOK)
}
