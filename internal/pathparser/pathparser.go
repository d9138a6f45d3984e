// Package pathparser implements the injectable PathParser contract from
// spec.md section 4.3 and section 6: a pure function from an input file
// path to (group_id, subband_index) or PathIgnored. The core requires only
// that contract; the concrete filename grammar is a collaborator detail.
package pathparser

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// Ignored is returned by Parse for paths that do not match the configured
// pattern at all (not an error — the watcher's glob should normally filter
// these out, but the parser stays total per spec.md section 6).
var Ignored = fmt.Errorf("path ignored: does not match subband filename grammar")

// Result is the (group_id, subband_index) pair derived from a path.
type Result struct {
	GroupID       string
	SubbandIndex  int
	ObservationAt time.Time
}

// PathParser is a pure function from a subband file path to its
// ObservationGroup membership, or Ignored.
type PathParser interface {
	Parse(path string) (Result, error)
}

// defaultNamePattern matches filenames of the form
// obs_<YYYYMMDDTHHMMSS>_sb<NN>.ms, e.g. "obs_20260731T140000_sb07.ms".
// This is the default grammar; deployments with a different naming scheme
// supply their own PathParser.
var defaultNamePattern = regexp.MustCompile(`^obs_(\d{8}T\d{6})_sb(\d+)\.ms$`)

// Default returns the built-in filename-timestamp parser.
func Default() PathParser { return defaultParser{} }

type defaultParser struct{}

func (defaultParser) Parse(path string) (Result, error) {
	base := filepath.Base(path)
	m := defaultNamePattern.FindStringSubmatch(base)
	if m == nil {
		return Result{}, Ignored
	}
	ts, err := time.ParseInLocation("20060102T150405", m[1], time.UTC)
	if err != nil {
		return Result{}, Ignored
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return Result{}, Ignored
	}
	return Result{
		GroupID:       DeriveGroupID(ts),
		SubbandIndex:  idx,
		ObservationAt: ts,
	}, nil
}

// DeriveGroupID derives a stable group identity from an observation
// timestamp. Group IDs are solely a function of the timestamp, per
// spec.md section 4.3 — never of the subband index or discovery order.
func DeriveGroupID(observedAt time.Time) string {
	return observedAt.UTC().Format("20060102T150405")
}

// TimeFromGroupID inverts DeriveGroupID, recovering the observation
// timestamp a group ID was derived from.
func TimeFromGroupID(groupID string) (time.Time, error) {
	return time.ParseInLocation("20060102T150405", groupID, time.UTC)
}
