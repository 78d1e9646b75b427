// Package sysinfo samples host health for the status page and heartbeats.
package sysinfo

import (
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sweeney/kiln-controller/internal/status"
)

// Sampler reads host statistics. Every source is best effort: a failing one
// leaves its fields zero and is logged once.
type Sampler struct {
	proc   *process.Process
	warned map[string]bool
}

// NewSampler creates a Sampler for the current process.
func NewSampler() *Sampler {
	s := &Sampler{warned: make(map[string]bool)}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.warn("process", err)
	} else {
		s.proc = p
	}
	return s
}

func (s *Sampler) warn(source string, err error) {
	if s.warned[source] {
		return
	}
	s.warned[source] = true
	log.Printf("sysinfo: %s unavailable: %v", source, err)
}

// Read takes one sample. CPU percent is measured since the previous call.
func (s *Sampler) Read() *status.HostInfo {
	info := &status.HostInfo{}

	if hi, err := host.Info(); err != nil {
		s.warn("host", err)
	} else {
		info.Hostname = hi.Hostname
		info.Uptime = time.Duration(hi.Uptime) * time.Second
	}

	if avg, err := load.Avg(); err != nil {
		s.warn("load", err)
	} else {
		info.Load1, info.Load5, info.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.warn("memory", err)
	} else {
		info.MemUsedPercent = vm.UsedPercent
	}

	if pct, err := cpu.Percent(0, false); err != nil {
		s.warn("cpu", err)
	} else if len(pct) > 0 {
		info.CPUPercent = pct[0]
	}

	if s.proc != nil {
		if m, err := s.proc.MemoryInfo(); err != nil {
			s.warn("process memory", err)
		} else {
			info.ProcRSS = m.RSS
		}
	}
	return info
}
