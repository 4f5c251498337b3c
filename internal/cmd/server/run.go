package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/cris-deitos/EasyDispatch/internal/config"
	"github.com/cris-deitos/EasyDispatch/internal/persist"
	"github.com/cris-deitos/EasyDispatch/internal/runtime"
	httpserver "github.com/cris-deitos/EasyDispatch/internal/server/http"
	pebblestore "github.com/cris-deitos/EasyDispatch/internal/storage/pebble"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the relay HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval.Milliseconds(),
		Config:        opts.Config,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	logCfg := &logpkg.Config{
		Level:  getenvDefault("EASYDISPATCH_LOG_LEVEL", "info"),
		Format: getenvDefault("EASYDISPATCH_LOG_FORMAT", "text"),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Pebble logs through the standard library
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("starting easydispatch relay",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", storeDir),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	recorder := persist.NewHTTPRecorder(opts.Config.Persist, procLogger)
	hsrv := httpserver.New(rt, procLogger, nil, recorder)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server error", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	hsrv.Close()
	wg.Wait()
	return nil
}
