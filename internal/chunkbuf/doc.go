// Package chunkbuf implements the relay's per-channel buffer store: a
// bounded, addressable ring of recent audio chunks plus the channel's
// current session metadata.
//
// One Buffer owns one channel. The ingest path is the only writer;
// any number of listener loops read concurrently. Chunk reads after
// eviction return ErrNotFound, which callers treat as a gap rather
// than a failure. At most ringSize chunks are retained; eviction is
// deterministic and runs on every write.
package chunkbuf
