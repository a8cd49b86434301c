package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/version"
	"github.com/teranos/postpulse/pulse/schedule"
)

// MemoryInfo is the host memory snapshot reported by /health
type MemoryInfo struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status          string                `json:"status"` // ok | degraded
	Version         string                `json:"version"`
	Commit          string                `json:"commit"`
	UptimeSeconds   int64                 `json:"uptime_seconds"`
	Dispatcher      *schedule.TickerStats `json:"dispatcher,omitempty"`
	JanitorNextRun  *string               `json:"janitor_next_run,omitempty"`
	Jobs            map[string]int        `json:"jobs,omitempty"`
	Clients         int                   `json:"clients"`
	Memory          *MemoryInfo           `json:"memory,omitempty"`
	PublishLimitRPM float64               `json:"publish_limit_per_minute,omitempty"`
}

// getMemoryStats returns current host memory usage
func getMemoryStats() (*MemoryInfo, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}
	return &MemoryInfo{
		TotalBytes:     v.Total,
		AvailableBytes: v.Available,
		UsedPercent:    v.UsedPercent,
	}, nil
}

// HandleHealth reports process and dispatcher health. A stopped dispatcher
// makes the service degraded (503) so supervisors can restart it.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	resp := HealthResponse{
		Status:        "ok",
		Version:       info.Version,
		Commit:        info.Short(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Clients:       s.hub.ClientCount(),
	}

	status := http.StatusOK
	if s.ticker != nil {
		stats := s.ticker.GetStats()
		resp.Dispatcher = &stats
		if !stats.Running {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.janitor != nil {
		if next := s.janitor.NextRun(); !next.IsZero() {
			resp.JanitorNextRun = formatTimePtr(&next)
		}
	}
	if s.limiter != nil {
		resp.PublishLimitRPM = s.limiter.Limit()
	}

	if s.service != nil {
		counts, err := s.service.CountByStatus(r.Context())
		if err != nil {
			s.requestLog(r).Warnw("Health check could not count jobs", "error", err)
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Jobs = make(map[string]int, len(counts))
			for st, n := range counts {
				resp.Jobs[string(st)] = n
			}
		}
	}

	if memInfo, err := getMemoryStats(); err != nil {
		s.logger.Debugw("Health check without memory stats", "error", err)
	} else {
		resp.Memory = memInfo
	}

	writeJSON(w, status, resp)
}
