package handlers

import (
	"log/slog"
	"math"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// SystemInfo describes the admin host. Uptime is the server process's, in
// seconds; HostUptime is the machine's.
type SystemInfo struct {
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	Release       string    `json:"release"`
	Arch          string    `json:"arch"`
	CPUCount      int       `json:"cpuCount"`
	TotalMemoryMB int64     `json:"totalMemoryMb"`
	UsedMemoryPct float64   `json:"usedMemoryPercent"`
	LoadAverage   []float64 `json:"loadAverage"`
	Version       string    `json:"version"`
	Uptime        float64   `json:"uptime"`
	HostUptime    uint64    `json:"hostUptime"`
}

// handleSystemInfo reports host facts. Each probe degrades to a zero value
// on its own, so a sandboxed host still gets an answer.
func (app *App) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := SystemInfo{
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCount:    runtime.NumCPU(),
		LoadAverage: []float64{},
		Version:     app.Version,
		Uptime:      time.Since(app.StartedAt).Seconds(),
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.Platform = hi.OS
		info.Release = hi.KernelVersion
		if hi.KernelArch != "" {
			info.Arch = hi.KernelArch
		}
		info.HostUptime = hi.Uptime
	} else {
		slog.Debug("host info", "err", err)
		info.Hostname, _ = os.Hostname()
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUCount = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemoryMB = int64(math.Round(float64(vm.Total) / (1024 * 1024)))
		info.UsedMemoryPct = math.Round(vm.UsedPercent*100) / 100
	} else {
		slog.Debug("memory info", "err", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	writeJSON(w, http.StatusOK, info)
}

type healthReply struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthReply{
		Status:    "ok",
		Version:   app.Version,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}
