// Package fileinfo derives identity and timing facts from capture-file
// metadata: the stable content hash used for idempotent upserts, and the
// capture timestamp embedded in file paths.
package fileinfo

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// timePattern matches the 14-digit YYYYMMDDHHMMSS timestamp that producing
// devices embed in capture-file paths.
var timePattern = regexp.MustCompile(`\d{14}`)

// ContentHash computes the stable natural key of a file reference. The hash
// covers source id, file path and sub-file name, so re-submissions of the
// same physical file always collide on it.
func ContentHash(sourceID int, filePath, subFileName string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d%s%s", sourceID, filePath, subFileName)))
	return hex.EncodeToString(sum[:])
}

// TimeFromPath extracts the first 14-digit YYYYMMDDHHMMSS timestamp found in
// filePath and returns it as a UTC time. It returns the zero time and false
// when no parsable timestamp is present.
func TimeFromPath(filePath string) (time.Time, bool) {
	match := timePattern.FindString(filePath)
	if match == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102150405", match, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DayOf truncates t to its calendar day in UTC. Partitioning and dedup
// pruning both operate on calendar days rather than raw timestamps.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
