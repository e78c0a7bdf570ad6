package store

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

var idSeq atomic.Uint64

// newSortableID generates a lexicographically sortable 26-char ID suffix:
// 16 hex chars of nanosecond timestamp followed by 10 hex chars of a
// process-local sequence.
func newSortableID() string {
	var raw [13]byte
	binary.BigEndian.PutUint64(raw[:8], uint64(time.Now().UnixNano()))
	seq := idSeq.Add(1)
	raw[8] = byte(seq >> 32)
	raw[9] = byte(seq >> 24)
	raw[10] = byte(seq >> 16)
	raw[11] = byte(seq >> 8)
	raw[12] = byte(seq)
	dst := make([]byte, 26)
	hex.Encode(dst, raw[:])
	return string(dst)
}

// NewJobID generates a new job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + newSortableID()
}

// NewEventID generates a new event ID with the "evt_" prefix.
func NewEventID() string {
	return "evt_" + newSortableID()
}

// NewActivityID generates a new activity entry ID with the "act_" prefix.
func NewActivityID() string {
	return "act_" + newSortableID()
}

// NewCollectionID generates a new collection ID with the "col_" prefix.
func NewCollectionID() string {
	return "col_" + newSortableID()
}

// NewWebhookID generates a new webhook ID with the "wh_" prefix.
func NewWebhookID() string {
	return "wh_" + newSortableID()
}
