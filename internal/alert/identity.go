package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// IdentityKey returns the key used to recognize the same alert across
// ingestions. A server-issued id wins; otherwise the key is derived from
// the immutable identity fields so two detections sharing a timestamp
// stay distinct.
func IdentityKey(a *Alert) string {
	if id := strings.TrimSpace(a.ID); id != "" {
		return "id:" + id
	}

	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p))
			_, _ = h.Write([]byte{0})
		}
	}
	write(
		a.Timestamp.UTC().Format(time.RFC3339Nano),
		a.AttackName,
		a.Source.IP, strconv.Itoa(a.Source.Port),
		a.Destination.IP, strconv.Itoa(a.Destination.Port),
	)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
