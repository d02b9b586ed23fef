package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"netprobe/internal/session"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts json or csv, case-insensitively. Empty means json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// ExportJSON writes the whole session, summary included, as indented JSON.
func ExportJSON(w io.Writer, snap session.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return nil
}

// ExportCSV writes one port,status,service,version row per result, sorted
// by port, after a header row.
func ExportCSV(w io.Writer, snap session.Snapshot) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range snap.Results {
		if err := writer.Write(snap.Results[i].ToCSVRow()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// Export writes snap in format f.
func Export(w io.Writer, f Format, snap session.Snapshot) error {
	switch f {
	case FormatJSON:
		return ExportJSON(w, snap)
	case FormatCSV:
		return ExportCSV(w, snap)
	}
	return fmt.Errorf("unsupported export format %q", f)
}

// Marshal renders snap in format f.
func Marshal(f Format, snap session.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Export(&buf, f, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportFile writes snap to path atomically.
func ExportFile(path string, f Format, snap session.Snapshot) error {
	data, err := Marshal(f, snap)
	if err != nil {
		return err
	}
	return WriteAtomic(path, data)
}
