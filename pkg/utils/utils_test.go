package utils

import (
	"errors"
	"strings"
	"testing"

	"netprobe/internal/models"
	"netprobe/internal/testutils"
)

func TestRequireRawPrivilege(t *testing.T) {
	err := RequireRawPrivilege()
	if HasRawPrivilege() {
		if err != nil {
			t.Fatalf("privileged process got error %v", err)
		}
		return
	}
	if !errors.Is(err, models.ErrInsufficientPrivilege) {
		t.Fatalf("got %v, want ErrInsufficientPrivilege", err)
	}
}

func TestCheckFileDescriptorLimit(t *testing.T) {
	logger, logBuf := testutils.SetupTestLogger()

	CheckFileDescriptorLimit(logger, 1)
	if strings.Contains(logBuf.String(), "file descriptor limit") {
		t.Errorf("unexpected warning for concurrency 1: %s", logBuf.String())
	}

	limit, ok := openFileLimit()
	if !ok || limit > 1<<30 {
		t.Skip("no finite open file limit on this platform")
	}
	CheckFileDescriptorLimit(logger, int(limit))
	if !strings.Contains(logBuf.String(), "Concurrency is close to the file descriptor limit.") {
		t.Errorf("expected warning, got: %s", logBuf.String())
	}
}
