package chunkbuf

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - ch/{ch_be4}/s                          channel session state (JSON)
// - ch/{ch_be4}/m                          ring bookkeeping (firstIdx, nextIdx)
// - ch/{ch_be4}/q/{idx_be8}                ring slot -> chunk key (write order)
// - ch/{ch_be4}/c/{session_id}/{seq_be8}   chunk record

var (
	sep       = byte('/')
	chPrefix  = []byte("ch/")
	stateSuf  = []byte("/s")
	metaSuf   = []byte("/m")
	ringSeg   = []byte("/q/")
	chunkSeg  = []byte("/c/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyChannel(channel int) []byte {
	k := make([]byte, 0, 8)
	k = append(k, chPrefix...)
	k = appendBE4(k, uint32(channel))
	return k
}

// KeyState builds the channel session state key.
func KeyState(channel int) []byte {
	return append(keyChannel(channel), stateSuf...)
}

// KeyRingMeta builds the ring bookkeeping key.
func KeyRingMeta(channel int) []byte {
	return append(keyChannel(channel), metaSuf...)
}

// KeyRingSlot builds the write-order ring slot key.
func KeyRingSlot(channel int, idx uint64) []byte {
	k := append(keyChannel(channel), ringSeg...)
	return appendBE8(k, idx)
}

// KeyChunk builds the addressable chunk key.
func KeyChunk(channel int, sessionID string, seq uint64) []byte {
	k := make([]byte, 0, 8+len(chunkSeg)+len(sessionID)+9)
	k = append(k, keyChannel(channel)...)
	k = append(k, chunkSeg...)
	k = append(k, sessionID...)
	k = append(k, sep)
	return appendBE8(k, seq)
}
