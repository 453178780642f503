package sandbox

import (
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// ViolationDetector scans stderr lines for enforcement denials. Detection
// is logging only — a violation never feeds back into the engine or stops
// the run; the OS already denied the operation inside the child.
type ViolationDetector struct {
	runID int64
}

// NewViolationDetector creates a detector for one run's stderr stream.
func NewViolationDetector(runID int64) *ViolationDetector {
	return &ViolationDetector{runID: runID}
}

// seatbeltDeny matches macOS Seatbelt denial log lines, e.g.
// "sandbox-exec: deny(1) file-write-create /etc/passwd".
var seatbeltDeny = regexp.MustCompile(`deny(?:\(\d+\))?\s+([a-z-]+[a-z*])\s+(\S+)`)

// Inspect returns a violation record if the line looks like a sandbox
// denial, or nil otherwise.
func (d *ViolationDetector) Inspect(line string) *domain.SandboxViolation {
	if m := seatbeltDeny.FindStringSubmatch(line); m != nil {
		return &domain.SandboxViolation{
			RunID:      d.runID,
			Operation:  normalizeOperation(m[1]),
			Resource:   m[2],
			Reason:     "seatbelt denial",
			OccurredAt: time.Now().UTC(),
		}
	}

	// Bubblewrap and plain EPERM surface as permission errors in the
	// child's own output. Keep the raw line as the resource context.
	lower := strings.ToLower(line)
	if strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "read-only file system") {
		return &domain.SandboxViolation{
			RunID:      d.runID,
			Operation:  string(OpFileWrite),
			Resource:   strings.TrimSpace(line),
			Reason:     "permission error in child output",
			OccurredAt: time.Now().UTC(),
		}
	}
	return nil
}

// normalizeOperation maps enforcement-layer operation names onto the
// policy rule vocabulary.
func normalizeOperation(op string) string {
	switch {
	case strings.HasPrefix(op, "file-read"):
		return string(OpFileRead)
	case strings.HasPrefix(op, "file-write"):
		return string(OpFileWrite)
	case strings.HasPrefix(op, "network"):
		return string(OpNetworkOutbound)
	case strings.HasPrefix(op, "sysctl"), strings.HasPrefix(op, "mach"):
		return string(OpSystemInfoRead)
	default:
		return op
	}
}
