package manifest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var runIDPattern = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}Z-[0-9a-f]{10}$`)

// NewRunID returns YYYYMMDDTHHMMSSZ-<10 hex chars>. The timestamp prefix
// makes run directories sort chronologically.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return now.UTC().Format("20060102T150405Z") + "-" + suffix
}

// ValidateRunID rejects anything that is not a run id, so ids taken from
// the command line can never escape the runs directory.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}
