package pipeline

import "time"

// unixEpochMJD is the Modified Julian Date of the Unix epoch
// (1970-01-01T00:00:00Z).
const unixEpochMJD = 40587.0

// MJDFromTime converts a wall-clock time to its Modified Julian Date.
func MJDFromTime(t time.Time) float64 {
	return unixEpochMJD + float64(t.UTC().Unix())/86400.0
}
