// Package diag reports facts about the machine and process running a host,
// for operators and bug reports.
package diag

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Report struct {
	Hostname   string  `json:"hostname,omitempty"`
	OS         string  `json:"os"`
	Platform   string  `json:"platform,omitempty"`
	Arch       string  `json:"arch"`
	GoVersion  string  `json:"go_version"`
	CPUs       int     `json:"cpus"`
	MemTotal   uint64  `json:"mem_total,omitempty"`
	MemUsedPct float64 `json:"mem_used_pct,omitempty"`
	ProcessRSS uint64  `json:"process_rss,omitempty"`
	Goroutines int     `json:"goroutines"`
	// Errors lists probes that failed; the rest of the report is still
	// filled in.
	Errors []string `json:"errors,omitempty"`
}

// Collect gathers a report. Individual probe failures are recorded in
// Report.Errors rather than failing the whole call.
func Collect(ctx context.Context) Report {
	r := Report{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
	fail := func(probe string, err error) {
		r.Errors = append(r.Errors, probe+": "+err.Error())
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		fail("host", err)
	} else {
		r.Hostname = info.Hostname
		r.Platform = info.Platform + " " + info.PlatformVersion
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		fail("cpu", err)
	} else if n > 0 {
		r.CPUs = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		fail("mem", err)
	} else {
		r.MemTotal = vm.Total
		r.MemUsedPct = vm.UsedPercent
	}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err != nil {
		fail("process", err)
	} else if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		fail("process", err)
	} else {
		r.ProcessRSS = mi.RSS
	}

	return r
}
