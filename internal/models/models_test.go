package models

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestParseScanType(t *testing.T) {
	tests := []struct {
		in      string
		want    ScanType
		wantErr bool
	}{
		{"tcp", ScanTCP, false},
		{"connect", ScanTCP, false},
		{"SYN", ScanSYN, false},
		{"udp", ScanUDP, false},
		{"fin", ScanFIN, false},
		{"xmas", ScanXMAS, false},
		{"ack", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScanType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScanType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseScanType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestScanTypeRequiresRaw(t *testing.T) {
	for _, st := range []ScanType{ScanSYN, ScanFIN, ScanXMAS} {
		if !st.RequiresRaw() {
			t.Errorf("%s should require raw sockets", st)
		}
	}
	for _, st := range []ScanType{ScanTCP, ScanUDP} {
		if st.RequiresRaw() {
			t.Errorf("%s should not require raw sockets", st)
		}
	}
}

func TestScanConfigDefaults(t *testing.T) {
	cfg := ScanConfig{Target: "127.0.0.1", PortSpec: "80", TimeoutMs: 250}.WithDefaults()
	if cfg.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, DefaultConcurrency)
	}
	if cfg.ScanType != ScanTCP {
		t.Errorf("ScanType = %q, want tcp", cfg.ScanType)
	}
	if cfg.NoResponse != StatusFiltered {
		t.Errorf("NoResponse = %q, want filtered", cfg.NoResponse)
	}
	if cfg.Timeout() != 250*time.Millisecond {
		t.Errorf("Timeout() = %v", cfg.Timeout())
	}
	if cfg.ResolveTimeout() != DefaultResolveTimeoutMs*time.Millisecond {
		t.Errorf("ResolveTimeout() = %v", cfg.ResolveTimeout())
	}
}

func TestResolvedTargetPrimary(t *testing.T) {
	mixed := ResolvedTarget{Host: "example", Addresses: []net.IP{net.ParseIP("::1"), net.ParseIP("10.0.0.1")}}
	ip, err := mixed.Primary(true)
	if err != nil || ip.String() != "10.0.0.1" {
		t.Fatalf("Primary(true) = %v, %v; want 10.0.0.1", ip, err)
	}

	v6only := ResolvedTarget{Host: "v6", Addresses: []net.IP{net.ParseIP("::1")}}
	if _, err := v6only.Primary(true); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("Primary(true) on IPv6-only target: got %v, want ErrInvalidTarget", err)
	}
	ip, err = v6only.Primary(false)
	if err != nil || ip.String() != "::1" {
		t.Errorf("Primary(false) = %v, %v; want ::1", ip, err)
	}
}

func TestPortResultToCSVRow(t *testing.T) {
	r := PortResult{Port: 22, Status: StatusOpen, Service: "SSH", Version: "OpenSSH_9.6"}
	row := r.ToCSVRow()
	if len(row) != len(CSVHeader()) {
		t.Fatalf("row has %d fields, header has %d", len(row), len(CSVHeader()))
	}
	if row[0] != "22" || row[1] != "open" || row[2] != "SSH" || row[3] != "OpenSSH_9.6" {
		t.Errorf("unexpected row %v", row)
	}
}

func TestScanTargetAddress(t *testing.T) {
	if got := (ScanTarget{IP: "::1", Port: 443}).Address(); got != "[::1]:443" {
		t.Errorf("Address() = %q", got)
	}
}

func TestResolvedTargetClone(t *testing.T) {
	orig := ResolvedTarget{Host: "dual.example", Addresses: []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("2001:db8::1")}}
	c := orig.Clone()
	c.Addresses[0][len(c.Addresses[0])-1] = 9
	c.Addresses[1] = net.ParseIP("2001:db8::2")

	if got := orig.Strings(); got[0] != "192.0.2.1" || got[1] != "2001:db8::1" {
		t.Errorf("clone shares memory with original: %v", got)
	}
	if empty := (ResolvedTarget{Host: "x"}).Clone(); empty.Addresses != nil {
		t.Errorf("Clone of empty target = %+v", empty)
	}
}
