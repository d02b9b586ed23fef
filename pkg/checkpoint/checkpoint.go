// pkg/checkpoint/checkpoint.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"netprobe/internal/models"
	"netprobe/internal/parser"
)

// State is what an interrupted scan needs to pick up where it stopped.
type State struct {
	Target   string          `json:"target"`
	ScanType models.ScanType `json:"scanType"`
	// Ports is the unscanned remainder in range syntax, e.g. "1-3,80".
	Ports   string    `json:"ports"`
	SavedAt time.Time `json:"savedAt"`
}

// SaveState writes the remaining ports of a scan to filePath as JSON.
func SaveState(target string, scanType models.ScanType, remaining []int, filePath string) error {
	if len(remaining) == 0 {
		return errors.New("no remaining ports to save")
	}
	state := State{
		Target:   target,
		ScanType: scanType,
		Ports:    parser.FormatPorts(remaining),
		SavedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0o644)
}

// LoadState reads a checkpoint and checks that its port list still parses.
func LoadState(filePath string) (State, error) {
	var state State
	data, err := os.ReadFile(filePath)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode checkpoint %s: %w", filePath, err)
	}
	if state.Target == "" {
		return state, fmt.Errorf("checkpoint %s: %w: target missing", filePath, models.ErrInvalidTarget)
	}
	if _, err := parser.ParsePorts(state.Ports); err != nil {
		return state, fmt.Errorf("checkpoint %s: %w", filePath, err)
	}
	return state, nil
}
