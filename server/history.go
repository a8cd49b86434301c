package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
)

// HandleHistory serves GET /api/history?status=&post_id=&from=&to=&limit=&offset=
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "invalid history query")
		return
	}

	records, total, err := s.history.ListHistory(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to list publish history")
		return
	}
	if records == nil {
		records = []*schedule.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

// HandleHistoryStats serves GET /api/history/stats?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) HandleHistoryStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := s.history.GetDailyStats(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to load daily stats")
		return
	}

	resp := StatsResponse{Days: make([]DailyStatsResponse, 0, len(days))}
	for _, d := range days {
		resp.Days = append(resp.Days, DailyStatsResponse{DailyStats: d, SuccessRate: d.SuccessRate()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseHistoryFilter(r *http.Request) (schedule.HistoryFilter, error) {
	q := r.URL.Query()
	filter := schedule.HistoryFilter{}

	switch status := schedule.ExecutionStatus(q.Get("status")); status {
	case "":
	case schedule.ExecutionSuccess, schedule.ExecutionFailed:
		filter.Status = status
	default:
		return filter, errors.WithHint(
			errors.NewInvalidArgumentError("unknown history status %q", status),
			"use success or failed")
	}

	if raw := q.Get("post_id"); raw != "" {
		postID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || postID <= 0 {
			return filter, errors.NewInvalidArgumentError("post_id must be a positive integer, got %q", raw)
		}
		filter.PostID = postID
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit", DefaultHistoryLimit); err != nil {
		return filter, err
	}
	if filter.Limit == 0 || filter.Limit > MaxHistoryLimit {
		filter.Limit = MaxHistoryLimit
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}
