package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Invoice returns an invoice number derived from at, with a random suffix
// so two tills checking out in the same nanosecond still get distinct ids.
func Invoice(at time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("INV-%d", at.UnixNano())
	}
	return fmt.Sprintf("INV-%d-%s", at.UnixNano(), hex.EncodeToString(buf))
}
