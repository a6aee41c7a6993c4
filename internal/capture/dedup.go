package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const refHashLen = 40

// ExternalRef derives the idempotency key for a captured notification:
// <sourceKey>-<first 40 hex chars of sha256(pkg|postedAtMs|title|text)>.
// title is the raw notification title, before any display fallback.
func ExternalRef(sourceKey, packageID string, postedAt time.Time, title, text string) string {
	sum := sha256.Sum256([]byte(packageID + "|" + strconv.FormatInt(postedAt.UnixMilli(), 10) + "|" + title + "|" + text))
	return sourceKey + "-" + hex.EncodeToString(sum[:])[:refHashLen]
}

// ReceivedAt renders the capture time as RFC 3339 with the zone offset
func ReceivedAt(postedAt time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return postedAt.In(loc).Format(time.RFC3339Nano)
}
