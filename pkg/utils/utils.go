// pkg/utils/utils.go
package utils

import (
	"fmt"
	"log/slog"

	"netprobe/internal/models"
)

// fdSafetyMargin leaves room for log files, listeners and DNS sockets.
const fdSafetyMargin = 100

// RequireRawPrivilege returns ErrInsufficientPrivilege when the process cannot
// open raw sockets.
func RequireRawPrivilege() error {
	if !HasRawPrivilege() {
		return fmt.Errorf("%w: run as root or grant CAP_NET_RAW", models.ErrInsufficientPrivilege)
	}
	return nil
}

// CheckFileDescriptorLimit warns if the concurrency might exceed the open file limit.
func CheckFileDescriptorLimit(logger *slog.Logger, concurrency int) {
	limit, ok := openFileLimit()
	if !ok {
		return
	}
	if uint64(concurrency)+fdSafetyMargin >= limit {
		logger.Warn("Concurrency is close to the file descriptor limit.",
			"concurrency", concurrency,
			"limit", limit,
		)
	}
}
