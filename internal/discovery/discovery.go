// Package discovery advertises the server on the local network over mDNS.
package discovery

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_codepair._tcp"
	Domain  = "local."
)

// Advertiser owns an mDNS registration
type Advertiser struct {
	server   *zeroconf.Server
	instance string
}

// Advertise registers the instance for the port of addr, which is a listen
// address such as ":5000".
func Advertise(instance, addr, wsPath string) (*Advertiser, error) {
	port, err := portOf(addr)
	if err != nil {
		return nil, err
	}
	name := instanceName(instance)

	server, err := zeroconf.Register(name, Service, Domain, port, txtRecords(wsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	log.Printf("📣 mDNS service registered: %s.%s on port %d", name, Service, port)
	return &Advertiser{server: server, instance: name}, nil
}

func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	log.Printf("mDNS service %s withdrawn", a.instance)
}

func instanceName(instance string) string {
	if instance == "" {
		instance = "codepair"
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return instance + "-" + host
	}
	return instance
}

func txtRecords(wsPath string) []string {
	if wsPath == "" {
		wsPath = "/ws"
	}
	return []string{"txtv=0", "path=" + wsPath}
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q has no usable port", addr)
	}
	return port, nil
}
