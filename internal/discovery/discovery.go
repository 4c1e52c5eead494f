// Package discovery optionally advertises the orchestrator's HTTP endpoint
// over mDNS so a Node implementation can find it without a hardcoded
// address. Disabled by default — it isn't required for a
// single-orchestrator deployment; config.Discovery.Enabled turns it on.
package discovery

import (
	"fmt"
	"net"
	"os"

	"github.com/hashicorp/mdns"

	"github.com/fleetmesh/orchestrator/internal/log"
)

const (
	serviceName = "_fleetmesh-orchestrator._tcp"
	domain      = "local."
)

// Advertiser owns the running mDNS server; Close stops advertising.
type Advertiser struct {
	server *mdns.Server
}

// Start advertises the orchestrator's HTTP endpoint at port on the local
// network. instanceName is typically the orchestrator's hostname; callers
// that run more than one orchestrator per host should pass something
// unique instead.
func Start(instanceName string, port int) (*Advertiser, error) {
	logger := log.WithComponent("discovery")

	if instanceName == "" {
		instanceName, _ = os.Hostname()
	}
	ips := outboundIPs()
	logger.Info().Str("service", serviceName).Int("port", port).
		Interface("ips", ips).Msg("advertising orchestrator via mDNS")

	info := []string{fmt.Sprintf("fleetmesh orchestrator on %s", instanceName)}
	svc, err := mdns.NewMDNSService(instanceName, serviceName, domain, "", port, ips, info)
	if err != nil {
		return nil, fmt.Errorf("building mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("starting mdns server: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Close stops advertising.
func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// outboundIPs returns this host's non-loopback IPv4 addresses, the set a
// remote Node implementation would need to reach the orchestrator.
func outboundIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, ipNet.IP)
	}
	return out
}
