package deduction

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const keyPrefix = "deduct:v1:"

// DeriveKey returns the idempotency key for a logical deduction.
// The same (user, session, message) triple always yields the same key,
// so a retried enqueue collapses onto the existing row.
func DeriveKey(userID, sessionID, messageID string) string {
	return hashKey(userID + "|" + sessionID + "|" + messageID)
}

// DeriveKeyAtTime derives a key for a deduction with no message ID.
// The timestamp must be captured once by the caller and embedded in the
// enqueued payload, so that in-memory retries of the same call do not
// recompute it and mint a fresh key.
func DeriveKeyAtTime(userID, sessionID string, at time.Time) string {
	millis := strconv.FormatInt(at.UnixMilli(), 10)
	return hashKey(userID + "|" + sessionID + "|" + millis)
}

func hashKey(material string) string {
	sum := sha256.Sum256([]byte(material))
	return keyPrefix + hex.EncodeToString(sum[:])[:32]
}
