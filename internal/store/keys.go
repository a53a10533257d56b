package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/versesung/coverage-server/internal/scripture"
)

// Key prefixes.
const (
	versePrefix     = "verse:"     // verse:{00000-31101} → index.Record JSON
	workPrefix      = "work:"      // work:{workID} → domain.Work JSON
	tombPrefix      = "tomb:"      // tomb:{workID} → Tombstone JSON
	reconcilePrefix = "reconcile:" // reconcile:{workID} → ReconcileEntry JSON

	rebuildCheckpointKey = "rebuild:checkpoint"
)

// keyPool provides reusable byte slices for building database keys.
// This reduces allocations on the hot path of database operations.
var keyPool = sync.Pool{
	New: func() any {
		// Prefix plus a work id comfortably fits.
		return make([]byte, 0, 160)
	},
}

// buildKey constructs a database key from prefix and suffix using a pooled buffer.
// The returned slice is valid until releaseKey is called.
// Callers MUST call releaseKey when done with the key.
//
// Usage:
//
//	key := buildKey(workPrefix, workID)
//	defer releaseKey(key)
//	item, err := txn.Get(key)
func buildKey(prefix, suffix string) []byte {
	buf, _ := keyPool.Get().([]byte)
	buf = buf[:0] // Reset length, keep capacity
	buf = append(buf, prefix...)
	buf = append(buf, suffix...)
	return buf
}

// releaseKey returns a key buffer to the pool for reuse.
// After calling this, the key slice must not be used.
func releaseKey(key []byte) {
	// Avoids keeping oversized buffers in the pool
	if cap(key) <= 512 {
		keyPool.Put(key[:0])
	}
}

// verseKey zero-pads the id so keys sort in canonical order.
func verseKey(id scripture.VerseID) []byte {
	return fmt.Appendf(nil, "%s%05d", versePrefix, id)
}

func parseVerseKey(key []byte) (scripture.VerseID, error) {
	raw, ok := strings.CutPrefix(string(key), versePrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrCorruptKey, key)
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrCorruptKey, key)
	}
	return scripture.VerseID(n), nil
}
