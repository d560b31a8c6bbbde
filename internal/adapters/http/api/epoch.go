package api

import (
	"net/http"

	"github.com/okian/rewardpool/pkg/logger"
)

type activityResponse struct {
	Activity      string `json:"activity"`
	Name          string `json:"name"`
	BaseReward    uint64 `json:"base_reward"`
	SlotsPerEpoch uint64 `json:"slots_per_epoch"`
}

type catalogResponse struct {
	Version    string             `json:"version"`
	Activities []activityResponse `json:"activities"`
}

// handleEpoch handles GET /epoch.
func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.State(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRollover handles POST /epoch/rollover.
func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Rollover(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	by := "anonymous"
	if p, ok := PrincipalFrom(r.Context()); ok {
		by = p.Subject
	}
	s.log.Info(r.Context(), "epoch rollover requested", logger.String("by", by), logger.Uint64("epoch", st.Epoch))
	writeJSON(w, http.StatusOK, st)
}

// handleActivities handles GET /activities.
func (s *Server) handleActivities(w http.ResponseWriter, _ *http.Request) {
	c := s.deps.Catalog()
	defs := c.All()
	out := catalogResponse{Version: c.Version(), Activities: make([]activityResponse, 0, len(defs))}
	for _, d := range defs {
		out.Activities = append(out.Activities, activityResponse{
			Activity:      d.Key,
			Name:          d.Name,
			BaseReward:    d.BaseReward,
			SlotsPerEpoch: d.SlotsPerEpoch,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
