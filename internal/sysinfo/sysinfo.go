// Package sysinfo samples host facts for the birth message.
package sysinfo

import (
	"context"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Memory is reported in megabytes.
type Memory struct {
	TotalMB float64 `json:"total_mb"`
	UsedMB  float64 `json:"used_mb"`
	Percent float64 `json:"percent"`
}

// Snapshot is the system block of the birth payload.
type Snapshot struct {
	Hostname      string  `json:"hostname"`
	IPAddress     string  `json:"ip_address"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	Memory        Memory  `json:"memory"`
}

// CPUSampleWindow is how long CPU usage is measured for.
var CPUSampleWindow = 500 * time.Millisecond

const mb = 1024 * 1024

// Collect samples the host. Individual probe failures leave zero values
// rather than failing the snapshot.
func Collect(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	if info, err := host.InfoWithContext(ctx); err == nil {
		s.Hostname = info.Hostname
		s.UptimeSeconds = info.Uptime
	} else if h, herr := os.Hostname(); herr == nil {
		s.Hostname = h
	}
	if pct, err := cpu.PercentWithContext(ctx, CPUSampleWindow, false); err == nil && len(pct) > 0 {
		s.CPUPercent = round1(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.Memory = Memory{
			TotalMB: round1(float64(vm.Total) / mb),
			UsedMB:  round1(float64(vm.Used) / mb),
			Percent: round1(vm.UsedPercent),
		}
	}
	if ifs, err := psnet.InterfacesWithContext(ctx); err == nil {
		s.IPAddress = primaryIPv4(ifs)
	}
	if s.IPAddress == "" {
		s.IPAddress = "127.0.0.1"
	}
	return s, ctx.Err()
}

// primaryIPv4 returns the first non-loopback IPv4 address on an up interface.
func primaryIPv4(ifs []psnet.InterfaceStat) string {
	for _, iface := range ifs {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			p, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			if ip := p.Addr(); ip.Is4() && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
