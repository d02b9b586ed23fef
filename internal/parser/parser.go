package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"netprobe/internal/models"
)

const (
	minPort = 1
	maxPort = 65535
)

// ParsePorts parses comma-separated ports and ranges (e.g. "80,443,8000-8080")
// into distinct ports, keeping the order of first occurrence.
func ParsePorts(spec string) ([]int, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("%w: empty spec", models.ErrInvalidPortSpec)
	}

	seen := make(map[int]struct{})
	var ports []int
	add := func(p int) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		ports = append(ports, p)
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty token in %q", models.ErrInvalidPortSpec, spec)
		}
		if strings.Contains(part, "-") {
			subParts := strings.Split(part, "-")
			if len(subParts) != 2 {
				return nil, fmt.Errorf("%w: invalid port range %q", models.ErrInvalidPortSpec, part)
			}
			start, err := parsePort(subParts[0])
			if err != nil {
				return nil, err
			}
			end, err := parsePort(subParts[1])
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("%w: range start greater than end %q", models.ErrInvalidPortSpec, part)
			}
			for p := start; p <= end; p++ {
				add(p)
			}
			continue
		}
		p, err := parsePort(part)
		if err != nil {
			return nil, err
		}
		add(p)
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, fmt.Errorf("%w: invalid port %q", models.ErrInvalidPortSpec, s)
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid port %q", models.ErrInvalidPortSpec, s)
	}
	if p < minPort || p > maxPort {
		return 0, fmt.Errorf("%w: port %d out of range %d-%d", models.ErrInvalidPortSpec, p, minPort, maxPort)
	}
	return p, nil
}

// FormatPorts renders ports back into spec syntax, collapsing consecutive
// runs into ranges. Order is preserved.
func FormatPorts(ports []int) string {
	var b strings.Builder
	for i := 0; i < len(ports); {
		j := i
		for j+1 < len(ports) && ports[j+1] == ports[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&b, "%d-%d", ports[i], ports[j])
		} else {
			b.WriteString(strconv.Itoa(ports[i]))
		}
		i = j + 1
	}
	return b.String()
}

// LoadPortSpec reads a port file and returns its contents as a spec string.
// CSV files carry "port/proto" in the second column after a header row;
// any other file holds one port or range per line.
func LoadPortSpec(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var tokens []string
	if strings.HasSuffix(strings.ToLower(filePath), ".csv") {
		r := csv.NewReader(file)
		r.FieldsPerRecord = -1
		first := true
		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", err
			}
			if first {
				first = false
				continue
			}
			if len(record) > 1 {
				tokens = append(tokens, strings.TrimSpace(strings.Split(record[1], "/")[0]))
			}
		}
	} else {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			tokens = append(tokens, line)
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
	}
	if len(tokens) == 0 {
		return "", fmt.Errorf("%w: no ports in %s", models.ErrInvalidPortSpec, filePath)
	}
	return strings.Join(tokens, ","), nil
}
