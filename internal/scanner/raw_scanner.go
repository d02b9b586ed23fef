package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"netprobe/internal/models"
)

// Mode selects the TCP flags a RawScanner sends.
type Mode int

const (
	ModeSYN Mode = iota
	ModeFIN
	ModeXMAS
)

func (m Mode) String() string {
	switch m {
	case ModeSYN:
		return "SYN"
	case ModeFIN:
		return "FIN"
	case ModeXMAS:
		return "XMAS"
	}
	return "unknown"
}

const (
	srcPortBase  = 40000
	srcPortRange = 20000
	protocolICMP = 1
)

// Package-level variables to allow mocking in tests.
var (
	netListenPacket = net.ListenPacket
	netDialSyn      = net.Dial
	listenICMP      = func() (net.PacketConn, error) { return icmp.ListenPacket("ip4:icmp", "0.0.0.0") }
)

// RawScanner crafts TCP probes with gopacket and writes them to an ip4:tcp
// raw socket. ICMP destination-unreachable replies are read from a second
// raw socket when one can be opened.
type RawScanner struct {
	Mode       Mode
	Timeout    time.Duration
	NoResponse models.PortStatus
	Logger     *slog.Logger

	nextPort atomic.Uint32
}

// NewRawScanner creates a RawScanner. noResponse is used by FIN and XMAS
// probes that time out; SYN probes that time out are always filtered.
func NewRawScanner(mode Mode, timeout time.Duration, noResponse models.PortStatus, logger *slog.Logger) *RawScanner {
	s := &RawScanner{
		Mode:       mode,
		Timeout:    timeout,
		NoResponse: noResponse,
		Logger:     logger,
	}
	s.nextPort.Store(uint32(rand.Intn(srcPortRange)))
	return s
}

func (s *RawScanner) sourcePort() layers.TCPPort {
	n := s.nextPort.Add(1)
	return layers.TCPPort(srcPortBase + n%srcPortRange)
}

func (s *RawScanner) flags(tcp *layers.TCP) {
	switch s.Mode {
	case ModeSYN:
		tcp.SYN = true
	case ModeFIN:
		tcp.FIN = true
	case ModeXMAS:
		tcp.FIN = true
		tcp.PSH = true
		tcp.URG = true
	}
}

// Scan sends one crafted probe and waits for a TCP reply or a matching ICMP
// unreachable until the timeout elapses.
func (s *RawScanner) Scan(ctx context.Context, target models.ScanTarget) (result models.ScanResult) {
	startTime := time.Now()
	result = models.ScanResult{
		Timestamp: startTime,
		Target:    target,
	}
	defer func() { result.Latency = time.Since(startTime) }()

	dstIP := net.ParseIP(target.IP).To4()
	if dstIP == nil {
		result.Err = fmt.Errorf("%w: raw scans need an IPv4 address, got %q", models.ErrInvalidTarget, target.IP)
		return result
	}

	srcIP, err := s.sourceIP(target.IP)
	if err != nil {
		s.Logger.Debug("Could not determine source IP", "target_ip", target.IP, "error", err)
		result.Status = models.StatusFiltered
		return result
	}

	conn, err := netListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			result.Err = fmt.Errorf("%w: open raw socket: %v", models.ErrInsufficientPrivilege, err)
		} else {
			result.Err = fmt.Errorf("open raw socket: %w", err)
		}
		return result
	}

	var icmpConn net.PacketConn
	if c, err := listenICMP(); err == nil {
		icmpConn = c
	} else {
		s.Logger.Debug("ICMP listener unavailable, unreachable replies will be missed", "error", err)
	}

	srcPort := s.sourcePort()
	dstPort := layers.TCPPort(target.Port)
	probe := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     rand.Uint32(),
		Window:  1024,
	}
	s.flags(probe)

	packet, err := serializeTCP(srcIP, dstIP, probe)
	if err != nil {
		conn.Close()
		if icmpConn != nil {
			icmpConn.Close()
		}
		result.Err = fmt.Errorf("serialize probe: %w", err)
		return result
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.Close()
	if icmpConn != nil {
		defer icmpConn.Close()
	}

	deadline := probeDeadline(ctx, s.Timeout)
	_ = conn.SetReadDeadline(deadline)
	if icmpConn != nil {
		_ = icmpConn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		if icmpConn != nil {
			_ = icmpConn.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	if _, err := conn.WriteTo(packet, &net.IPAddr{IP: dstIP}); err != nil {
		s.Logger.Debug("Raw probe write failed", "target_ip", target.IP, "target_port", target.Port, "error", err)
		if errors.Is(err, os.ErrPermission) {
			result.Err = fmt.Errorf("%w: write raw probe: %v", models.ErrInsufficientPrivilege, err)
			return result
		}
		result.Status = models.StatusFiltered
		return result
	}

	outcome := make(chan models.PortStatus, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if status, ok := s.readTCPReply(conn, srcIP, dstIP, srcPort, dstPort); ok {
			outcome <- status
		}
	}()
	if icmpConn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if readUnreachable(icmpConn, dstIP, layers.IPProtocolTCP, uint16(srcPort), uint16(dstPort)) {
				outcome <- models.StatusFiltered
			}
		}()
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case result.Status = <-outcome:
	case <-timer.C:
		result.Status = s.timeoutStatus()
	case <-ctx.Done():
		result.Status = s.timeoutStatus()
	}

	s.Logger.Debug("Raw probe finished",
		"mode", s.Mode.String(),
		"source_ip", srcIP.String(),
		"source_port", int(srcPort),
		"target_ip", target.IP,
		"target_port", target.Port,
		"status", result.Status,
	)
	return result
}

func (s *RawScanner) timeoutStatus() models.PortStatus {
	if s.Mode == ModeSYN {
		return models.StatusFiltered
	}
	return s.NoResponse
}

// sourceIP lets the kernel pick the interface that routes to the target.
func (s *RawScanner) sourceIP(targetIP string) (net.IP, error) {
	conn, err := netDialSyn("udp", net.JoinHostPort(targetIP, "80"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return nil, fmt.Errorf("no IPv4 source address for %s", targetIP)
	}
	return addr.IP.To4(), nil
}

// readTCPReply reads until a segment from dstIP:dstPort to srcPort arrives or
// the socket deadline passes. The bool is false when nothing decisive came.
func (s *RawScanner) readTCPReply(conn net.PacketConn, srcIP, dstIP net.IP, srcPort, dstPort layers.TCPPort) (models.PortStatus, bool) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return "", false
		}
		if ipAddr, ok := addr.(*net.IPAddr); !ok || !ipAddr.IP.Equal(dstIP) {
			continue
		}
		packet := gopacket.NewPacket(buf[:n], layers.LayerTypeTCP, gopacket.Default)
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || tcp.SrcPort != dstPort || tcp.DstPort != srcPort {
			continue
		}

		switch {
		case tcp.RST:
			return models.StatusClosed, true
		case s.Mode == ModeSYN && tcp.SYN && tcp.ACK:
			s.reset(conn, srcIP, dstIP, srcPort, dstPort, tcp.Ack)
			return models.StatusOpen, true
		}
	}
}

// reset tears down the half-open connection left by a SYN-ACK.
func (s *RawScanner) reset(conn net.PacketConn, srcIP, dstIP net.IP, srcPort, dstPort layers.TCPPort, seq uint32) {
	rst := &layers.TCP{SrcPort: srcPort, DstPort: dstPort, RST: true, Seq: seq}
	packet, err := serializeTCP(srcIP, dstIP, rst)
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(packet, &net.IPAddr{IP: dstIP}); err != nil {
		s.Logger.Debug("Failed to send RST", "target_ip", dstIP.String(), "target_port", int(dstPort), "error", err)
	}
}

// serializeTCP renders only the TCP header; the kernel prepends the IPv4
// header on ip4:tcp sockets. The pseudo-header is still needed for the
// checksum.
func serializeTCP(srcIP, dstIP net.IP, tcp *layers.TCP) ([]byte, error) {
	ipLayer := &layers.IPv4{
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Protocol: layers.IPProtocolTCP,
	}
	if err := tcp.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readUnreachable reads ICMP messages until one reports the quoted probe as
// unreachable or the deadline passes.
func readUnreachable(conn net.PacketConn, dstIP net.IP, proto layers.IPProtocol, srcPort, dstPort uint16) bool {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		if matchUnreachable(buf[:n], dstIP, proto, srcPort, dstPort) {
			return true
		}
	}
}

// matchUnreachable reports whether b is an ICMP destination-unreachable whose
// quoted datagram is the probe srcPort -> dstIP:dstPort.
func matchUnreachable(b []byte, dstIP net.IP, proto layers.IPProtocol, srcPort, dstPort uint16) bool {
	msg, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil || msg.Type != ipv4.ICMPTypeDestinationUnreachable {
		return false
	}
	body, ok := msg.Body.(*icmp.DstUnreach)
	if !ok {
		return false
	}
	var quoted layers.IPv4
	if err := quoted.DecodeFromBytes(body.Data, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	if !quoted.DstIP.Equal(dstIP) || quoted.Protocol != proto || len(quoted.Payload) < 4 {
		return false
	}
	gotSrc := uint16(quoted.Payload[0])<<8 | uint16(quoted.Payload[1])
	gotDst := uint16(quoted.Payload[2])<<8 | uint16(quoted.Payload[3])
	return gotSrc == srcPort && gotDst == dstPort
}
