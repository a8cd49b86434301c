package server

// HTTP handlers for scheduled publish jobs.
//
//	POST   /api/schedules                 create
//	GET    /api/schedules                 list (?status=&post_id=&recurrence_type=)
//	GET    /api/schedules/{id}            get
//	PUT    /api/schedules/{id}            update
//	DELETE /api/schedules/{id}            delete with its logs
//	GET    /api/schedules/{id}/logs       execution logs, newest first
//	POST   /api/schedules/{id}/cancel     cancel
//	POST   /api/schedules/{id}/execute    run now

import (
	"net/http"
	"strconv"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/schedule"
)

// HandleCreateSchedule creates a scheduled job
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.CreateScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	job, err := s.service.CreateSchedule(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to create schedule")
		return
	}

	s.requestLog(r).Infow("Created scheduled job via API",
		logger.FieldJobID, job.ID,
		logger.FieldPostID, job.PostID,
		logger.FieldRecurrenceType, job.RecurrenceType(),
		logger.FieldNextRunAt, formatTime(job.NextRunAt))

	writeJSON(w, http.StatusCreated, NewScheduleResponse(job))
}

// HandleListSchedules lists jobs, optionally filtered
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter schedule.JobFilter

	if raw := q.Get("status"); raw != "" {
		status := schedule.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(raw),
				"one of pending, completed, failed, cancelled")
			return
		}
		filter.Status = status
	}
	if raw := q.Get("post_id"); raw != "" {
		postID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || postID <= 0 {
			writeError(w, http.StatusBadRequest, "post_id must be a positive integer")
			return
		}
		filter.PostID = postID
	}
	if raw := q.Get("recurrence_type"); raw != "" {
		rt, err := schedule.ParseRecurrenceType(raw)
		if err != nil {
			writeServiceError(w, s.requestLog(r), err, "invalid recurrence_type")
			return
		}
		filter.RecurrenceType = rt
	}

	jobs, err := s.service.ListSchedules(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{
		Schedules: make([]ScheduleResponse, 0, len(jobs)),
		Count:     len(jobs),
	}
	for _, job := range jobs {
		resp.Schedules = append(resp.Schedules, NewScheduleResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetSchedule returns one job
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, NewScheduleResponse(job))
}

// HandleUpdateSchedule changes timing or retry budget and revives the job
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.UpdateScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	jobID := r.PathValue("id")
	job, err := s.service.UpdateSchedule(r.Context(), jobID, req)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to update schedule "+jobID)
		return
	}

	s.requestLog(r).Infow("Updated scheduled job via API",
		logger.FieldJobID, job.ID,
		logger.FieldNextRunAt, formatTime(job.NextRunAt))

	writeJSON(w, http.StatusOK, NewScheduleResponse(job))
}

// HandleDeleteSchedule removes a job and its execution logs
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.service.DeleteSchedule(r.Context(), jobID); err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to delete schedule "+jobID)
		return
	}
	s.requestLog(r).Infow("Deleted scheduled job via API", logger.FieldJobID, jobID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleScheduleLogs returns the most recent execution logs of a job
func (s *Server) HandleScheduleLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	entries, err := s.service.GetExecutionLogs(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to get execution logs for "+jobID)
		return
	}
	if entries == nil {
		entries = []*schedule.ExecutionLogEntry{}
	}
	total, err := s.service.CountExecutions(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to count execution logs for "+jobID)
		return
	}
	writeJSON(w, http.StatusOK, ExecutionLogsResponse{JobID: jobID, Logs: entries, Total: total})
}

// HandleCancelSchedule moves a job to cancelled
func (s *Server) HandleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.service.CancelSchedule(r.Context(), jobID); err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to cancel schedule "+jobID)
		return
	}
	s.requestLog(r).Infow("Cancelled scheduled job via API", logger.FieldJobID, jobID)

	job, err := s.service.GetSchedule(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to reload schedule "+jobID)
		return
	}
	writeJSON(w, http.StatusOK, NewScheduleResponse(job))
}

// HandleExecuteSchedule runs a pending job immediately and returns the attempt
func (s *Server) HandleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	entry, err := s.service.ExecuteNow(r.Context(), jobID)
	if entry == nil && err != nil {
		writeServiceError(w, s.requestLog(r), err, "failed to execute schedule "+jobID)
		return
	}
	if err != nil {
		// The attempt ran but its bookkeeping did not fully persist
		s.requestLog(r).Warnw("Manual execution finished with bookkeeping error",
			logger.FieldJobID, jobID,
			logger.FieldError, errors.Wrap(err, "bookkeeping"))
	}
	writeJSON(w, http.StatusOK, entry)
}
