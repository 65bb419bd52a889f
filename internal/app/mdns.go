package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_ok-offline._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "ok-offline"
)

// startMDNS advertises the interception proxy on the LAN so other devices
// at camp can point their browsers at it.
func (a *App) startMDNS() error {
	proxyPort, err := addrPort(a.cfg.ProxyAddr)
	if err != nil {
		return fmt.Errorf("proxy address: %w", err)
	}
	controlPort, err := addrPort(a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("control address: %w", err)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("OK-OFFLINE (%s)", hostname))
	txt := []string{
		fmt.Sprintf("proxy_port=%d", proxyPort),
		fmt.Sprintf("http_port=%d", controlPort),
		fmt.Sprintf("year=%d", a.cfg.CurrentYear),
		"cache=" + a.cfg.WorkerCacheVersion,
		"proto=v1",
		"host=" + sanitizeMDNSHost(hostname) + ".local",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, proxyPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", proxyPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// addrPort extracts the port of a listen address such as ":8081".
func addrPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "OK-OFFLINE"
	}
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

// sanitizeMDNSHost returns a single DNS label.
func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		cleaned = cleaned[:i]
	}
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	// Host labels must be <=63 characters.
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
