package server

import (
	"net/http"
	"time"

	"github.com/octoflex/octoflex/pkg/engine"
	"github.com/octoflex/octoflex/pkg/types"
)

// currentState returns the engine's derived state or writes a 503 when the
// first refresh has not completed yet.
func (s *Server) currentState(w http.ResponseWriter) (*engine.State, bool) {
	st := s.engine.State()
	if st == nil {
		writeJSONError(w, "no data available yet", http.StatusServiceUnavailable)
		return nil, false
	}
	return st, true
}

type scheduleResponse struct {
	Generation       uint64                 `json:"generation"`
	Stale            bool                   `json:"stale,omitempty"`
	IncompleteTariff bool                   `json:"incompleteTariff,omitempty"`
	ChargerState     types.ChargerState     `json:"chargerState"`
	Windows          []types.ChargingWindow `json:"windows"`
	Today            types.EVDaySchedule    `json:"today"`
	Tomorrow         types.EVDaySchedule    `json:"tomorrow"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentState(w)
	if !ok {
		return
	}
	// prices only change on refresh, keep client caching short
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, scheduleResponse{
		Generation:       st.Generation,
		Stale:            st.Stale,
		IncompleteTariff: st.IncompleteTariff,
		ChargerState:     st.ChargerState,
		Windows:          st.Windows,
		Today:            st.Today,
		Tomorrow:         st.Tomorrow,
	})
}

type activeIntervalResponse struct {
	Now      time.Time              `json:"now"`
	Interval *types.EVPriceInterval `json:"interval,omitempty"`
}

func (s *Server) handleScheduleActive(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentState(w)
	if !ok {
		return
	}
	now := time.Now()
	resp := activeIntervalResponse{Now: now}
	if iv, found := st.Today.Active(now); found {
		resp.Interval = &iv
	} else if iv, found := st.Tomorrow.Active(now); found {
		resp.Interval = &iv
	}
	writeJSON(w, resp)
}

type accountResponse struct {
	AccountNumber string            `json:"accountNumber"`
	TakenAt       time.Time         `json:"takenAt"`
	Stale         bool              `json:"stale,omitempty"`
	TariffKind    types.TariffKind  `json:"tariffKind"`
	Ledgers       []types.Ledger    `json:"ledgers"`
	Rates         types.TariffRates `json:"rates"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	st, ok := s.currentState(w)
	if !ok {
		return
	}
	writeJSON(w, accountResponse{
		AccountNumber: st.Snapshot.AccountNumber,
		TakenAt:       st.Snapshot.TakenAt,
		Stale:         st.Stale,
		TariffKind:    st.Snapshot.TariffKind,
		Ledgers:       st.Snapshot.Ledgers,
		Rates:         st.Snapshot.Rates,
	})
}
