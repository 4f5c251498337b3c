package chunkbuf

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/cris-deitos/EasyDispatch/internal/storage/pebble"
)

// ErrNotFound signals a chunk that was evicted or never written. It is
// a normal outcome for readers, not a failure.
var ErrNotFound = errors.New("chunk not found")

// SessionMeta is the channel's current transmission metadata. It is
// derived by the ingest path; a session has no explicit close, readers
// decide staleness on their own.
type SessionMeta struct {
	ID           string `json:"id"`
	Channel      int    `json:"channel"`
	SourceID     int64  `json:"source_id"`
	TargetID     int64  `json:"target_id"`
	StartMs      int64  `json:"start_ms"`
	LastUpdateMs int64  `json:"last_update_ms"`
	LastSeq      uint64 `json:"last_seq"`
	// Persist marks the session for durable recording once it ends.
	Persist bool `json:"persist,omitempty"`
}

// Buffer is the bounded chunk store for one channel.
type Buffer struct {
	db       *pebblestore.DB
	channel  int
	ringSize int

	mu       sync.Mutex // serializes writers
	firstIdx uint64
	nextIdx  uint64
	notifyCh chan struct{}

	stateMu sync.RWMutex
	state   *SessionMeta // replaced wholesale, never mutated in place
}

// Open initializes a Buffer and restores ring bookkeeping and session
// state from storage when present.
func Open(db *pebblestore.DB, channel, ringSize int) (*Buffer, error) {
	if ringSize <= 0 {
		return nil, fmt.Errorf("chunkbuf: ring size must be positive, got %d", ringSize)
	}
	b := &Buffer{db: db, channel: channel, ringSize: ringSize, notifyCh: make(chan struct{})}

	meta, err := db.Get(KeyRingMeta(channel))
	if err == nil && len(meta) >= 16 {
		b.firstIdx = binary.BigEndian.Uint64(meta[:8])
		b.nextIdx = binary.BigEndian.Uint64(meta[8:16])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}

	raw, err := db.Get(KeyState(channel))
	if err == nil && len(raw) > 0 {
		var s SessionMeta
		if json.Unmarshal(raw, &s) == nil {
			b.state = &s
		}
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}
	return b, nil
}

// Channel returns the channel this buffer serves.
func (b *Buffer) Channel() int { return b.channel }

// Append stores one chunk, publishes the new session state, and evicts
// down to the ring size, all as a single atomic batch. No reader
// observes a half-written state: the in-memory snapshot is replaced
// only after the batch commits.
func (b *Buffer) Append(ctx context.Context, state SessionMeta, seq uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(ctx, state, seq, payload)
}

// AppendWith derives the next session state from the current one and
// appends, all under the writer lock. Concurrent writers to one channel
// therefore serialize their read-modify-write: each derive call sees
// the state the previous append published. Returns the state it
// committed.
func (b *Buffer) AppendWith(ctx context.Context, seq uint64, payload []byte, derive func(prev SessionMeta, ok bool) SessionMeta) (SessionMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := derive(b.State())
	if err := b.appendLocked(ctx, next, seq, payload); err != nil {
		return SessionMeta{}, err
	}
	return next, nil
}

func (b *Buffer) appendLocked(ctx context.Context, state SessionMeta, seq uint64, payload []byte) error {
	batch := b.db.NewBatch()
	defer batch.Close()

	chunkKey := KeyChunk(b.channel, state.ID, seq)
	if err := batch.Set(chunkKey, EncodeChunk(state.LastUpdateMs, payload), nil); err != nil {
		return err
	}
	if err := batch.Set(KeyRingSlot(b.channel, b.nextIdx), chunkKey, nil); err != nil {
		return err
	}
	firstIdx := b.firstIdx
	nextIdx := b.nextIdx + 1

	// Deterministic eviction on every write: drop oldest-by-write-order
	// slots until at most ringSize chunks remain.
	for nextIdx-firstIdx > uint64(b.ringSize) {
		slotKey := KeyRingSlot(b.channel, firstIdx)
		old, err := b.db.Get(slotKey)
		if err == nil {
			if err := batch.Delete(old, nil); err != nil {
				return err
			}
		} else if !errors.Is(err, pebblestore.ErrNotFound) {
			return err
		}
		if err := batch.Delete(slotKey, nil); err != nil {
			return err
		}
		firstIdx++
	}

	var meta [16]byte
	binary.BigEndian.PutUint64(meta[:8], firstIdx)
	binary.BigEndian.PutUint64(meta[8:16], nextIdx)
	if err := batch.Set(KeyRingMeta(b.channel), meta[:], nil); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := batch.Set(KeyState(b.channel), stateJSON, nil); err != nil {
		return err
	}

	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return err
	}

	b.firstIdx = firstIdx
	b.nextIdx = nextIdx

	published := state
	b.stateMu.Lock()
	b.state = &published
	b.stateMu.Unlock()

	// wake listener loops
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
	return nil
}

// Get returns the payload for (sessionID, seq) or ErrNotFound when the
// chunk was evicted or never written.
func (b *Buffer) Get(sessionID string, seq uint64) ([]byte, error) {
	raw, err := b.db.Get(KeyChunk(b.channel, sessionID, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, payload, ok := DecodeChunk(raw)
	if !ok {
		return nil, ErrNotFound
	}
	return payload, nil
}

// State returns a snapshot of the current session metadata. ok is false
// before the first chunk ever lands on this channel.
func (b *Buffer) State() (SessionMeta, bool) {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.state == nil {
		return SessionMeta{}, false
	}
	return *b.state, true
}

// Len returns the number of chunks currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.nextIdx - b.firstIdx)
}

// WriteSignal returns a channel closed on the next write. Listener
// loops select on it alongside their poll timer.
func (b *Buffer) WriteSignal() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifyCh
}

// WaitForWrite blocks until a new chunk lands or timeout elapses.
// Returns true when woken by a write. This is the fan-out primitive
// that lets listener loops ride appends instead of pure polling.
func (b *Buffer) WaitForWrite(timeout time.Duration) bool {
	b.mu.Lock()
	ch := b.notifyCh
	b.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
