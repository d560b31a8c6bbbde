package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/rewardpool/internal/domain/ledger"
)

type ledgerResponse struct {
	Owner   string          `json:"owner"`
	Offset  uint64          `json:"offset"`
	Limit   uint64          `json:"limit"`
	Total   uint64          `json:"total"`
	Records []ledger.Record `json:"records"`
}

// handleAccount handles GET /accounts/{id}.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := pathOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.deps.Account(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleLedger handles GET /accounts/{id}/ledger?offset=&limit=.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	owner, err := pathOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit", defaultLedgerLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit == 0 || limit > s.maxLedgerLimit {
		limit = s.maxLedgerLimit
	}

	records, total, err := s.deps.Ledger(r.Context(), owner, offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, ledgerResponse{
		Owner:   owner,
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		Records: records,
	})
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrBadRequest, name)
	}
	return v, nil
}
