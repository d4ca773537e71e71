package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// echoEndpoints answer a GET with the caller's public IP in the body.
var echoEndpoints = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// echoTimeout caps each echo-endpoint request.
const echoTimeout = 4 * time.Second

// ResolvePublicIP returns the host's public IPv4: the explicit override when
// set, else the first globally routable address bound locally, else the first
// echo endpoint that answers with a parseable address. Returns "" when every
// source fails.
func ResolvePublicIP(ctx context.Context, explicit, userAgent string) string {
	if explicit != "" {
		return explicit
	}
	if ip := localPublicIPv4(); ip != "" {
		return ip
	}
	for _, endpoint := range echoEndpoints {
		if ip := queryEchoEndpoint(ctx, endpoint, userAgent); ip != "" {
			return ip
		}
	}
	return ""
}

// localPublicIPv4 returns the first interface IPv4 that is not loopback,
// link-local, or RFC 1918 private space.
func localPublicIPv4() string {
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
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
			continue
		}
		return ip.String()
	}
	return ""
}

func queryEchoEndpoint(ctx context.Context, endpoint, userAgent string) string {
	ectx, cancel := context.WithTimeout(ctx, echoTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ectx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ""
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return ""
	}
	candidate := strings.TrimSpace(string(body))
	if ip := net.ParseIP(candidate); ip != nil {
		return candidate
	}
	return ""
}
