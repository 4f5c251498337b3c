// Package runtime wires storage, config, and per-channel buffers for a
// single relay instance.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cris-deitos/EasyDispatch/internal/chunkbuf"
	cfgpkg "github.com/cris-deitos/EasyDispatch/internal/config"
	pebblestore "github.com/cris-deitos/EasyDispatch/internal/storage/pebble"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval int64 // ms, when Fsync is interval mode
	Config        cfgpkg.Config
}

// Runtime owns the store and one Buffer per configured channel.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config

	mu      sync.Mutex
	buffers map[int]*chunkbuf.Buffer
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: time.Duration(opts.FsyncInterval) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{db: db, config: opts.Config, buffers: make(map[int]*chunkbuf.Buffer)}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage probe.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Buffer returns the chunk buffer for a channel, opening it on first
// use. Channels outside the configured set are rejected.
func (r *Runtime) Buffer(channel int) (*chunkbuf.Buffer, error) {
	if !r.config.ChannelAllowed(channel) {
		return nil, fmt.Errorf("runtime: channel %d not in configured set", channel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[channel]; ok {
		return b, nil
	}
	b, err := chunkbuf.Open(r.db, channel, r.config.RingSize)
	if err != nil {
		return nil, err
	}
	r.buffers[channel] = b
	return b, nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
