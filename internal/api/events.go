package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-irbridge/internal/history"
)

// handleListEvents returns the device event history, newest first.
//
// Query parameters: address, mac, kind, since (RFC 3339), limit, offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "event history not available")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Address: q.Get("address"),
		MAC:     q.Get("mac"),
		Kind:    q.Get("kind"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		if errors.Is(err, history.ErrInvalidFilter) {
			writeValidationError(w, err.Error())
			return
		}
		s.logger.Error("listing events", "error", err, "request_id", requestID(r))
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
