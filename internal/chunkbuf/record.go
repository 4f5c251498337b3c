package chunkbuf

import (
	"encoding/binary"
	"hash/crc32"
)

// Chunk record encoding: varint headerLen | header | payload | crc32c(header|payload)
// Header is the 8-byte big-endian ingest timestamp (ms).

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeChunk encodes a chunk payload with its ingest timestamp.
func EncodeChunk(ingestMs int64, payload []byte) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(ingestMs))

	out := make([]byte, 0, 10+8+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(hdr)))
	out = append(out, tmp[:n]...)
	out = append(out, hdr[:]...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, hdr[:])
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

// DecodeChunk decodes a chunk record; ok is false on any corruption.
func DecodeChunk(b []byte) (ingestMs int64, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return 0, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || int(n)+int(hlen)+4 > len(b) {
		return 0, nil, false
	}
	header := b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return 0, nil, false
	}
	if len(header) >= 8 {
		ingestMs = int64(binary.BigEndian.Uint64(header[:8]))
	}
	return ingestMs, append([]byte(nil), payload...), true
}
