// Package discovery advertises the headcount API on the local network over
// mDNS and finds it again from kiosk clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service advertised by the API server.
	ServiceType = "_headcount._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	defaultInstance = "Headcount"
	maxLabelLength  = 63
)

// ErrInvalidPort is returned when advertising a non-positive port.
var ErrInvalidPort = errors.New("discovery: invalid port")

// Logger is the logging surface the advertiser needs.
type Logger interface {
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Advertiser holds a running mDNS registration.
type Advertiser struct {
	server   *zeroconf.Server
	instance string
	logger   Logger
}

// Advertise registers the API on port. An empty instance name defaults to
// "Headcount (<hostname>)".
func Advertise(instance string, port int, siteID string, tls bool, logger Logger) (*Advertiser, error) {
	if port <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if logger == nil {
		logger = noopLogger{}
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "headcount"
	}
	if instance == "" {
		instance = fmt.Sprintf("%s (%s)", defaultInstance, hostname)
	}
	instance = SanitizeInstance(instance)

	host := SanitizeHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txtRecords(port, siteID, tls, host), nil)
	if err != nil {
		return nil, fmt.Errorf("registering mdns service: %w", err)
	}

	logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return &Advertiser{server: server, instance: instance, logger: logger}, nil
}

// Instance returns the advertised instance name.
func (a *Advertiser) Instance() string {
	return a.instance
}

// Shutdown withdraws the advertisement. Safe on a nil Advertiser.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS advertisement stopped", "instance", a.instance)
}

func txtRecords(port int, siteID string, tls bool, host string) []string {
	tlsFlag := "0"
	if tls {
		tlsFlag = "1"
	}
	txt := []string{
		"http_port=" + strconv.Itoa(port),
		"tls=" + tlsFlag,
		"proto=v1",
		"host=" + host,
	}
	if siteID != "" {
		txt = append(txt, "site="+siteID)
	}
	return txt
}

// Service is one discovered API server.
type Service struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	TXT      map[string]string
}

// URL returns the base URL of the service, preferring the first IPv4 address.
func (s Service) URL() string {
	scheme := "http"
	if s.TXT["tls"] == "1" {
		scheme = "https"
	}
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addrs) > 0 {
		host = s.Addrs[0].String()
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(s.Port)))
}

// Browse collects services answering within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Service, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("creating mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Service)
	go func() {
		var found []Service
		for entry := range entries {
			found = append(found, fromEntry(entry))
		}
		done <- found
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("browsing %s: %w", ServiceType, err)
	}
	<-ctx.Done()
	return <-done, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Service {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Service{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Addrs:    addrs,
		TXT:      ParseTXT(e.Text),
	}
}

// ParseTXT turns key=value TXT records into a map. Records without '=' map
// to an empty value.
func ParseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		key, value, _ := strings.Cut(r, "=")
		if key != "" {
			out[key] = value
		}
	}
	return out
}

// SanitizeInstance makes name usable as a DNS-SD instance label.
func SanitizeInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = defaultInstance
	}
	return truncate(cleaned)
}

// SanitizeHost makes name usable as a host label.
func SanitizeHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = "headcount"
	}
	return truncate(cleaned)
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) > maxLabelLength {
		return string(runes[:maxLabelLength])
	}
	return s
}
