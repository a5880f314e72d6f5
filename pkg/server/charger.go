package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/octoflex/octoflex/pkg/engine"
	"github.com/octoflex/octoflex/pkg/log"
	"github.com/octoflex/octoflex/pkg/types"
)

type chargerResponse struct {
	Generation     uint64                 `json:"generation"`
	State          types.ChargerState     `json:"state"`
	Stale          bool                   `json:"stale,omitempty"`
	LastTransition *types.StateTransition `json:"lastTransition,omitempty"`
	Device         *types.ChargerSnapshot `json:"device,omitempty"`
	Windows        []types.ChargingWindow `json:"windows"`
	LastSession    *types.ChargeSession   `json:"lastSession,omitempty"`
}

func (s *Server) handleCharger(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentState(w)
	if !ok {
		return
	}
	resp := chargerResponse{
		Generation:     st.Generation,
		State:          st.ChargerState,
		Stale:          st.Stale,
		LastTransition: st.LastTransition,
		Device:         st.Snapshot.Charger,
		Windows:        st.Windows,
	}
	if len(st.Sessions) > 0 {
		resp.LastSession = &st.Sessions[0]
	}
	writeJSON(w, resp)
}

// command runs one engine command and writes the resulting state.
func (s *Server) command(w http.ResponseWriter, r *http.Request, name string, fn func() (*engine.State, error)) {
	ctx := r.Context()
	st, err := fn()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "command failed", slog.String("command", name), slog.Any("error", err))
		writeCommandError(w, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "command succeeded", slog.String("command", name))
	writeJSON(w, struct {
		Generation uint64             `json:"generation"`
		State      types.ChargerState `json:"state"`
	}{Generation: st.Generation, State: st.ChargerState})
}

func (s *Server) handleBoostStart(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "start-boost", func() (*engine.State, error) {
		return s.engine.StartBoost(r.Context())
	})
}

func (s *Server) handleBoostStop(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "stop-boost", func() (*engine.State, error) {
		return s.engine.StopBoost(r.Context())
	})
}

func (s *Server) handleMarkConnected(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "mark-connected", func() (*engine.State, error) {
		return s.engine.MarkConnected(r.Context())
	})
}

func (s *Server) handleMarkDisconnected(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "mark-disconnected", func() (*engine.State, error) {
		return s.engine.MarkDisconnected(r.Context())
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "refresh-now", func() (*engine.State, error) {
		return s.engine.RefreshNow(r.Context())
	})
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs types.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.command(w, r, "set-preferences", func() (*engine.State, error) {
		return s.engine.SetPreferences(r.Context(), prefs)
	})
}
