// Package fingerprint names the service behind a port from a static table
// and, when a banner is available, from banner signatures.
package fingerprint

import (
	"bytes"
	"regexp"
	"strings"
)

// Unknown is reported for ports with no table entry and no matching banner.
const Unknown = "Unknown"

var wellKnown = map[int]string{
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	67:    "DHCP",
	69:    "TFTP",
	80:    "HTTP",
	110:   "POP3",
	111:   "RPCBind",
	123:   "NTP",
	135:   "MSRPC",
	137:   "NetBIOS-NS",
	139:   "NetBIOS-SSN",
	143:   "IMAP",
	161:   "SNMP",
	389:   "LDAP",
	443:   "HTTPS",
	445:   "SMB",
	465:   "SMTPS",
	514:   "Syslog",
	587:   "Submission",
	636:   "LDAPS",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MSSQL",
	1521:  "Oracle",
	1900:  "SSDP",
	2049:  "NFS",
	3306:  "MySQL",
	3389:  "RDP",
	5353:  "mDNS",
	5432:  "PostgreSQL",
	5672:  "AMQP",
	5900:  "VNC",
	6379:  "Redis",
	8080:  "HTTP-Alt",
	8443:  "HTTPS-Alt",
	9200:  "Elasticsearch",
	11211: "Memcached",
	27017: "MongoDB",
}

// ServiceName returns the conventional service for port, or Unknown.
func ServiceName(port int) string {
	if name, ok := wellKnown[port]; ok {
		return name
	}
	return Unknown
}

type signature struct {
	service string
	re      *regexp.Regexp
	// version is the capture group holding the version, 0 for none.
	version int
}

var signatures = []signature{
	{"SSH", regexp.MustCompile(`^SSH-[\d.]+-(\S+)`), 1},
	{"HTTP", regexp.MustCompile(`(?mi)^Server:[ \t]*([^\r\n]+)`), 1},
	{"HTTP", regexp.MustCompile(`^HTTP/\d`), 0},
	{"FTP", regexp.MustCompile(`(?i)^220[ -]([^\r\n]*FTP[^\r\n]*)`), 1},
	{"SMTP", regexp.MustCompile(`(?i)^220[ -]([^\r\n]*SMTP[^\r\n]*)`), 1},
	{"POP3", regexp.MustCompile(`^\+OK([^\r\n]*)`), 1},
	{"IMAP", regexp.MustCompile(`^\* OK([^\r\n]*)`), 1},
	{"Redis", regexp.MustCompile(`^(-NOAUTH|-ERR wrong number of arguments|\+PONG|\$\d+\r\n# Server)`), 0},
	{"VNC", regexp.MustCompile(`^RFB (\d{3}\.\d{3})`), 1},
}

// protocolOf maps table names that do not start with their protocol.
var protocolOf = map[string]string{
	"Submission": "SMTP",
}

// Identify resolves the service for port. A known table entry keeps its
// name; banner signatures name otherwise unknown ports and supply the
// version when they capture one. A banner from a different service than
// the table entry contributes no version.
func Identify(port int, banner []byte) (service, version string) {
	service = ServiceName(port)
	if len(banner) == 0 {
		return service, ""
	}

	sigService, sigVersion, ok := matchBanner(banner)
	if !ok {
		return service, ""
	}
	if service == Unknown {
		return sigService, sigVersion
	}
	if !sameProtocol(service, sigService) {
		return service, ""
	}
	return service, sigVersion
}

// sameProtocol reports whether the table name belongs to the signature's
// protocol, so HTTPS and HTTP-Alt both match HTTP.
func sameProtocol(tableName, sigService string) bool {
	if p, ok := protocolOf[tableName]; ok {
		tableName = p
	}
	return strings.HasPrefix(strings.ToUpper(tableName), strings.ToUpper(sigService))
}

func matchBanner(banner []byte) (service, version string, ok bool) {
	if v, ok := mysqlVersion(banner); ok {
		return "MySQL", v, true
	}
	for _, sig := range signatures {
		m := sig.re.FindSubmatch(banner)
		if m == nil {
			continue
		}
		if sig.version > 0 && sig.version < len(m) {
			version = strings.TrimSpace(string(m[sig.version]))
		}
		return sig.service, version, true
	}
	return "", "", false
}

// mysqlVersion reads the server version from a protocol 10 handshake
// packet: 3-byte length, sequence id 0, protocol byte 0x0a, NUL-terminated
// version string.
func mysqlVersion(b []byte) (string, bool) {
	if len(b) < 6 || b[3] != 0x00 || b[4] != 0x0a {
		return "", false
	}
	end := bytes.IndexByte(b[5:], 0x00)
	if end <= 0 {
		return "", false
	}
	v := b[5 : 5+end]
	for _, c := range v {
		if c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return string(v), true
}

// Printable renders a banner for logs and tables: non-printable bytes become
// '.', and the result is cut at max bytes.
func Printable(banner []byte, max int) string {
	var sb strings.Builder
	for i, c := range banner {
		if max > 0 && i >= max {
			sb.WriteString("...")
			break
		}
		switch {
		case c == '\r' || c == '\n' || c == '\t':
			sb.WriteByte(' ')
		case c < 0x20 || c > 0x7e:
			sb.WriteByte('.')
		default:
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}
