package session

import (
	"strconv"

	"github.com/adwski/headtag/model"
)

// AnswerKey derives the idempotency ledger key for marking an answer
// correct. Sender, timestamp and text together identify one answer
// message; the key stays stable across reconnects and restarts.
func AnswerKey(ev model.Event) string {
	return djb2(ev.PlayerID + "|" + strconv.FormatInt(ev.Timestamp, 10) + "|" + ev.Text)
}

// djb2 in base36, small and stable. Collisions only risk suppressing
// one extra click, the server stays authoritative.
func djb2(s string) string {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h<<5 + h + uint32(s[i])
	}
	return strconv.FormatUint(uint64(h), 36)
}
