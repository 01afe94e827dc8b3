package ws

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type healthResponse struct {
	Status            string  `json:"status"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	Clients           int     `json:"clients"`
	ConsolePollers    int     `json:"console_pollers"`
	SessionPollers    int     `json:"session_pollers"`
	RosterSubscribers int     `json:"roster_subscribers"`
	Backend           string  `json:"backend"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	ProcessRSSBytes   uint64  `json:"process_rss_bytes"`
}

// handleHealth reports multiplexer and host vitals. Unauthenticated so
// liveness probes work without the token.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		Clients:           s.reg.Count(),
		ConsolePollers:    s.consoles.Active(),
		SessionPollers:    s.sessions.Active(),
		RosterSubscribers: s.roster.Subscribers(),
		Backend:           "ok",
	}

	if _, err := s.be.ListSessions(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Backend = err.Error()
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		resp.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedPercent = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			resp.ProcessRSSBytes = mi.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
