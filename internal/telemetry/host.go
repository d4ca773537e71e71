// Package telemetry gathers the host and engine facts reported by the
// heartbeat: hardware and OS identity via gopsutil, public IP resolution,
// and engine status probes with free-text fallbacks.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostFacts is the collected host identity and capacity snapshot.
type HostFacts struct {
	Hostname      string
	OS            string
	OSVersion     string
	Arch          string
	CPUModel      string
	CPUCores      int
	RAMGB         float64
	DiskTotal     uint64
	DiskFree      uint64
	UptimeSeconds uint64
	PrivateIP     string
	PublicIP      string
}

// CollectHost gathers host facts. Individual probe failures leave their
// fields zero; diskPath names the volume measured (the workspace, usually).
func CollectHost(ctx context.Context, diskPath, publicIP string) HostFacts {
	facts := HostFacts{
		Arch:      runtime.GOARCH,
		OS:        runtime.GOOS,
		PrivateIP: PrivateIPv4(),
		PublicIP:  publicIP,
	}
	if hn, err := os.Hostname(); err == nil {
		facts.Hostname = hn
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		if info.Hostname != "" {
			facts.Hostname = info.Hostname
		}
		if info.Platform != "" {
			facts.OS = info.Platform
		}
		facts.OSVersion = info.PlatformVersion
		if info.KernelArch != "" {
			facts.Arch = info.KernelArch
		}
		facts.UptimeSeconds = info.Uptime
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		facts.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		facts.CPUCores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		facts.RAMGB = math.Round(float64(vm.Total)/(1<<30)*10) / 10
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		facts.DiskTotal = du.Total
		facts.DiskFree = du.Free
	}
	return facts
}

// Fingerprint derives a stable host identity hash.
func Fingerprint(hostname, privateIP, publicIP, osName, arch string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%s", hostname, privateIP, publicIP, osName, arch))
	return hex.EncodeToString(sum[:])
}

// Report shapes the facts into the heartbeat host object.
func (f HostFacts) Report() map[string]any {
	return map[string]any{
		"fingerprint": Fingerprint(f.Hostname, f.PrivateIP, f.PublicIP, f.OS, f.Arch),
		"name":        f.Hostname,
		"meta": map[string]any{
			"hostname": f.Hostname,
			"ip":       f.PrivateIP,
			"network": map[string]any{
				"private_ip": f.PrivateIP,
				"public_ip":  f.PublicIP,
			},
			"os":         f.OS,
			"os_version": f.OSVersion,
			"arch":       f.Arch,
			"cpu":        f.CPUModel,
			"cpu_cores":  f.CPUCores,
			"ram_gb":     f.RAMGB,
			"disk": map[string]any{
				"total_bytes": f.DiskTotal,
				"free_bytes":  f.DiskFree,
			},
			"uptime_seconds": f.UptimeSeconds,
			"runtime": map[string]any{
				"name":    "go",
				"version": runtime.Version(),
			},
		},
	}
}

// PrivateIPv4 returns the first non-loopback IPv4 bound to a local interface.
func PrivateIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip.String()
	}
	return ""
}
