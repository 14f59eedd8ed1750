package domain

import (
	"fmt"
	"sync/atomic"
	"time"
)

var txSeq atomic.Int64

// NewTransactionID generates a date-sequence escrow transaction identifier,
// e.g. ESC-20250114093011-0042. IDs sort by creation time, which keeps them
// discoverable in admin tooling and support conversations. The store's unique
// constraint on the ID is the final arbiter of uniqueness.
func NewTransactionID(now time.Time) string {
	return fmt.Sprintf("ESC-%s-%04d", now.UTC().Format("20060102150405"), txSeq.Add(1)%10_000)
}
