// Package xid generates prefixed opaque identifiers. Every entity
// carries a short type tag so an ID is readable on its own in logs and
// audit trails: pur- purchases, lot- lots, led- ledger entries, sal-
// sales, lin- sale lines, alo- allocations, bun- bundles, con-
// consumables, aud- audit log rows.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns "<prefix>-<nanos>-<random hex>". The timestamp keeps IDs
// roughly sortable by creation; the random tail makes collisions within
// a nanosecond a non-concern. If the random source fails the timestamp
// alone is still unique enough for a single process.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
