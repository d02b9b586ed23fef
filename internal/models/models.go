package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultConcurrency is used when a ScanConfig leaves Concurrency unset.
const DefaultConcurrency = 100

// DefaultResolveTimeoutMs bounds DNS resolution when ResolveTimeoutMs is unset.
const DefaultResolveTimeoutMs = 5000

// MaxTimeoutMs caps both the per-port and the resolution timeout.
const MaxTimeoutMs = 10 * 60 * 1000

// ScanType selects the probe strategy.
type ScanType string

const (
	ScanTCP  ScanType = "tcp"
	ScanSYN  ScanType = "syn"
	ScanUDP  ScanType = "udp"
	ScanFIN  ScanType = "fin"
	ScanXMAS ScanType = "xmas"
)

// ParseScanType accepts the canonical names plus "connect" for TCP.
func ParseScanType(s string) (ScanType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "connect", "":
		return ScanTCP, nil
	case "syn", "stealth":
		return ScanSYN, nil
	case "udp":
		return ScanUDP, nil
	case "fin":
		return ScanFIN, nil
	case "xmas":
		return ScanXMAS, nil
	}
	return "", fmt.Errorf("unknown scan type %q", s)
}

// RequiresRaw reports whether the scan type crafts packets on a raw socket.
func (t ScanType) RequiresRaw() bool {
	return t == ScanSYN || t == ScanFIN || t == ScanXMAS
}

// IsTCP reports whether open ports of this scan type speak TCP.
func (t ScanType) IsTCP() bool {
	return t != ScanUDP
}

// ScanTarget represents a single IP:Port combination to be probed.
type ScanTarget struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Address returns the host:port form used by net.Dial.
func (t ScanTarget) Address() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.Port))
}

// PortStatus is the classification of a single probe.
type PortStatus string

const (
	StatusOpen     PortStatus = "open"
	StatusClosed   PortStatus = "closed"
	StatusFiltered PortStatus = "filtered"
)

// ScanConfig is the immutable description of one scan request.
type ScanConfig struct {
	Target           string   `json:"target"`
	PortSpec         string   `json:"portSpec"`
	ScanType         ScanType `json:"scanType"`
	TimeoutMs        int      `json:"timeoutMs"`
	Concurrency      int      `json:"concurrency,omitempty"`
	ResolveTimeoutMs int      `json:"resolveTimeoutMs,omitempty"`
	// RatePerSecond caps probe dispatch; zero means unlimited.
	RatePerSecond float64 `json:"ratePerSecond,omitempty"`
	GrabBanner    bool    `json:"grabBanner,omitempty"`
	Ping          bool    `json:"ping,omitempty"`
	// NoResponse is how silent FIN, XMAS and UDP probes are reported.
	NoResponse PortStatus `json:"noResponse,omitempty"`
}

// Timeout returns the per-probe timeout.
func (c ScanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ResolveTimeout returns the DNS resolution budget.
func (c ScanConfig) ResolveTimeout() time.Duration {
	if c.ResolveTimeoutMs <= 0 {
		return DefaultResolveTimeoutMs * time.Millisecond
	}
	return time.Duration(c.ResolveTimeoutMs) * time.Millisecond
}

// WithDefaults fills unset optional fields.
func (c ScanConfig) WithDefaults() ScanConfig {
	if c.ScanType == "" {
		c.ScanType = ScanTCP
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.NoResponse == "" {
		c.NoResponse = StatusFiltered
	}
	return c
}

// ResolvedTarget holds the concrete addresses for a scan's target.
type ResolvedTarget struct {
	Host      string   `json:"host"`
	Addresses []net.IP `json:"addresses"`
}

// Primary returns the address probes are sent to. IPv4 addresses are
// preferred; requireIPv4 rejects targets that only have IPv6 addresses.
func (r ResolvedTarget) Primary(requireIPv4 bool) (net.IP, error) {
	for _, ip := range r.Addresses {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	if requireIPv4 {
		return nil, fmt.Errorf("%w: %s has no IPv4 address", ErrInvalidTarget, r.Host)
	}
	if len(r.Addresses) == 0 {
		return nil, fmt.Errorf("%w: %s has no addresses", ErrInvalidTarget, r.Host)
	}
	return r.Addresses[0], nil
}

// Clone returns a copy that shares no memory with r.
func (r ResolvedTarget) Clone() ResolvedTarget {
	out := ResolvedTarget{Host: r.Host}
	if r.Addresses != nil {
		out.Addresses = make([]net.IP, 0, len(r.Addresses))
		for _, ip := range r.Addresses {
			out.Addresses = append(out.Addresses, append(net.IP(nil), ip...))
		}
	}
	return out
}

// Strings returns the addresses in text form.
func (r ResolvedTarget) Strings() []string {
	out := make([]string, 0, len(r.Addresses))
	for _, ip := range r.Addresses {
		out = append(out, ip.String())
	}
	return out
}

// ScanResult is the raw outcome of one probe, before fingerprinting.
type ScanResult struct {
	Timestamp time.Time
	Target    ScanTarget
	Status    PortStatus
	Latency   time.Duration
	// Banner holds bytes the service sent, when the probe captured any.
	Banner []byte
	// Err is set only for failures that must abort the whole scan.
	Err error
}

// PortResult is the recorded, immutable outcome for one port.
type PortResult struct {
	Port      int        `json:"port"`
	Status    PortStatus `json:"status"`
	Service   string     `json:"service,omitempty"`
	Version   string     `json:"version,omitempty"`
	ProbedAt  time.Time  `json:"probedAt"`
	LatencyMs float64    `json:"latencyMs"`
}

// ToCSVRow converts a PortResult into the export row.
func (r *PortResult) ToCSVRow() []string {
	return []string{
		strconv.Itoa(r.Port),
		string(r.Status),
		r.Service,
		r.Version,
	}
}

// CSVHeader returns the header row for exported CSV files.
func CSVHeader() []string {
	return []string{"port", "status", "service", "version"}
}

// Summary counts results by status.
type Summary struct {
	Open     int `json:"open"`
	Closed   int `json:"closed"`
	Filtered int `json:"filtered"`
	Total    int `json:"total"`
}

// Completed returns the number of recorded results.
func (s Summary) Completed() int {
	return s.Open + s.Closed + s.Filtered
}
