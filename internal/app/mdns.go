package app

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService = "_pairbeat._tcp"
	mdnsDomain  = "local."
)

// startMDNS advertises the control API on the local network so a companion
// UI can discover the daemon without configuration.
func (a *App) startMDNS(port int) error {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pairbeat"
	}
	instance := fmt.Sprintf("pairbeat-%s", host)

	txt := []string{"version=1"}
	if id := a.SelfID(); id != "" {
		txt = append(txt, "user="+id)
	}

	server, err := zeroconf.Register(instance, mdnsService, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.mu.Lock()
	a.mdns = server
	a.mu.Unlock()

	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsService, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	a.mu.Lock()
	server := a.mdns
	a.mdns = nil
	a.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
}
