package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ovenzeze/open-interpreter/internal/instance"
)

type healthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	LLM     llmHealth       `json:"llm"`
	Pool    instance.Status `json:"pool"`
	Storage string          `json:"storage"`
	System  systemHealth    `json:"system"`
}

type llmHealth struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Status   string `json:"status"`
}

type systemHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "healthy",
		Version: s.Version,
		LLM:     llmHealth{Provider: s.Provider, Model: s.Model, Status: "ready"},
		Storage: "disabled",
		System:  systemStats(ctx),
	}

	if s.Pool != nil {
		resp.Pool = s.Pool.Status()
	}

	if s.Archive != nil {
		resp.Storage = "connected"
		if !s.Archive.Healthy(ctx) {
			resp.Storage = "unreachable"
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// systemStats samples host usage. Unavailable figures stay zero.
func systemStats(ctx context.Context) systemHealth {
	var out systemHealth

	// interval 0 compares against the previous call instead of blocking
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out.DiskPercent = du.UsedPercent
	}

	return out
}
