package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/okian/rewardpool/internal/domain/dedupe"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/metrics"
)

// completionRequest is the body of POST /completions and POST /events.
// Caller is required only when authentication is disabled; otherwise it
// must be empty or equal the token subject.
type completionRequest struct {
	EventID  string `json:"event_id,omitempty"`
	Caller   string `json:"caller,omitempty"`
	Activity string `json:"activity"`
}

type completionResponse struct {
	Duplicate bool          `json:"duplicate"`
	Record    ledger.Record `json:"record"`
}

type ackResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// event resolves the request into an engine event: the caller comes from
// the token when there is one. TS is left zero so the engine stamps the
// completion while it holds the caller's account.
func (s *Server) event(w http.ResponseWriter, r *http.Request) (model.Event, error) {
	var req completionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return model.Event{}, err
	}
	if strings.TrimSpace(req.Activity) == "" {
		return model.Event{}, fmt.Errorf("%w: missing activity", ErrBadRequest)
	}

	caller := req.Caller
	if p, ok := PrincipalFrom(r.Context()); ok {
		if caller != "" && caller != p.Subject {
			return model.Event{}, ErrCallerMismatch
		}
		caller = p.Subject
	}
	return model.Event{
		EventID:  strings.TrimSpace(req.EventID),
		Caller:   caller,
		Activity: req.Activity,
	}, nil
}

// handleComplete handles POST /completions: the completion is priced and
// committed before the response is written.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ev, err := s.event(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.limiter.Allow(ev.Caller) {
		s.fail(w, r, ErrRateLimited)
		return
	}

	ctx := r.Context()
	key := ev.DedupeKey()
	if key != "" {
		switch entry := s.deps.SeenAndRecord(ctx, key); entry.State {
		case dedupe.StateDone:
			metrics.RecordEventDuplicate()
			writeJSON(w, http.StatusOK, completionResponse{Duplicate: true, Record: entry.Record})
			return
		case dedupe.StateInFlight:
			metrics.RecordEventDuplicate()
			s.fail(w, r, ErrDuplicateInFlight)
			return
		}
	}

	rec, err := s.deps.CompleteTask(ctx, ev)
	if err != nil {
		if key != "" {
			s.deps.Unrecord(ctx, key)
		}
		s.fail(w, r, err)
		return
	}
	if key != "" {
		s.deps.Remember(ctx, key, rec)
	}
	writeJSON(w, http.StatusCreated, completionResponse{Record: rec})
}

// handleEnqueue handles POST /events: the completion is queued for the
// worker pool after the checks that need no state. An event id is
// generated when the client sends none.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ev, err := s.event(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.ValidateCaller(r.Context(), ev.Caller); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.deps.Catalog().Parse(ev.Activity); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.limiter.Allow(ev.Caller) {
		s.fail(w, r, ErrRateLimited)
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	ctx := r.Context()
	key := ev.DedupeKey()
	if entry := s.deps.SeenAndRecord(ctx, key); entry.State != dedupe.StateNew {
		metrics.RecordEventDuplicate()
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", EventID: ev.EventID, Duplicate: true})
		return
	}

	if err := s.deps.Enqueue(ctx, ev); err != nil {
		s.deps.Unrecord(ctx, key)
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", EventID: ev.EventID})
}
