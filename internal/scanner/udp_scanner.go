package scanner

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"netprobe/internal/models"
)

// UDPScanner sends a protocol-aware datagram on a connected UDP socket. A
// reply means open, an ICMP port unreachable (surfaced as ECONNREFUSED)
// means closed, and silence falls back to NoResponse.
type UDPScanner struct {
	Timeout    time.Duration
	NoResponse models.PortStatus
	Logger     *slog.Logger
}

// NewUDPScanner creates a new instance of a UDPScanner.
func NewUDPScanner(timeout time.Duration, noResponse models.PortStatus, logger *slog.Logger) *UDPScanner {
	return &UDPScanner{Timeout: timeout, NoResponse: noResponse, Logger: logger}
}

// Scan performs a UDP probe on a single target.
func (s *UDPScanner) Scan(ctx context.Context, target models.ScanTarget) (result models.ScanResult) {
	startTime := time.Now()
	result = models.ScanResult{Timestamp: startTime, Target: target}
	defer func() { result.Latency = time.Since(startTime) }()

	deadline := probeDeadline(ctx, s.Timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "udp", target.Address())
	if err != nil {
		result.Status = classifyDialError(err)
		s.Logger.Debug("Failed to open UDP socket", "target_ip", target.IP, "target_port", target.Port, "error", err)
		return result
	}
	defer conn.Close()

	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(udpPayload(target.Port)); err != nil {
		result.Status = s.classify(err)
		s.Logger.Debug("UDP write failed", "target_ip", target.IP, "target_port", target.Port, "status", result.Status, "error", err)
		return result
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		result.Status = s.classify(err)
		s.Logger.Debug("No UDP reply", "target_ip", target.IP, "target_port", target.Port, "status", result.Status, "error", err)
		return result
	}

	result.Status = models.StatusOpen
	result.Banner = append([]byte(nil), buf[:n]...)
	s.Logger.Debug("UDP reply received", "target_ip", target.IP, "target_port", target.Port, "bytes", n)
	return result
}

func (s *UDPScanner) classify(err error) models.PortStatus {
	if isConnRefused(err) {
		return models.StatusClosed
	}
	if isTimeout(err) {
		return s.NoResponse
	}
	return models.StatusFiltered
}

var (
	ntpClientRequest = append([]byte{0x1B}, make([]byte, 47)...)

	// SNMPv1 GetRequest for sysDescr.0 with community "public".
	snmpGetSysDescr = []byte{
		0x30, 0x29,
		0x02, 0x01, 0x00,
		0x04, 0x06, 'p', 'u', 'b', 'l', 'i', 'c',
		0xA0, 0x1C,
		0x02, 0x04, 0x01, 0x02, 0x03, 0x04,
		0x02, 0x01, 0x00,
		0x02, 0x01, 0x00,
		0x30, 0x0E,
		0x30, 0x0C,
		0x06, 0x08, 0x2B, 0x06, 0x01, 0x02, 0x01, 0x01, 0x01, 0x00,
		0x05, 0x00,
	}

	genericUDPProbe = []byte("netprobe\r\n")
)

// udpPayload picks a datagram the service on port is likely to answer.
func udpPayload(port int) []byte {
	switch port {
	case 53, 5353:
		if q, err := dnsQuery("example.com"); err == nil {
			return q
		}
	case 123:
		return ntpClientRequest
	case 161:
		return snmpGetSysDescr
	}
	return genericUDPProbe
}

func dnsQuery(name string) ([]byte, error) {
	dns := &layers.DNS{
		ID:      0xAABB,
		RD:      true,
		OpCode:  layers.DNSOpCodeQuery,
		QDCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
