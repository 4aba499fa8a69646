// Package runid computes the content-addressed identifier assigned to every
// staged measurement: a hex digest of the file's raw bytes concatenated with
// its canonical UTC timestamp. Re-staging identical bytes at the same
// instant always yields the same run-id, which is what lets the staging
// engine skip already-known files in O(1) per file.
package runid

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Compute returns the run-id for fileBytes observed at startUTC. startUTC is
// converted to UTC and formatted RFC3339Nano before hashing so callers may
// pass a timestamp in any location without affecting the result.
func Compute(fileBytes []byte, startUTC time.Time) string {
	h := sha256.New()
	h.Write(fileBytes)
	h.Write([]byte(startUTC.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
