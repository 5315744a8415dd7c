package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// redactRecord replaces rec's raw subscriber identity with its salted
// hash, leaving the triggering event, state transition, and reason
// code intact for incident review.
func redactRecord(rec Record, salt []byte) Record {
	rec.SubscriberHash = hashSubscriberID(rec.SubscriberID, salt)
	rec.SubscriberID = 0
	return rec
}

func hashSubscriberID(id uint64, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(strconv.FormatUint(id, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
