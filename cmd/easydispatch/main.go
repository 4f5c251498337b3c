package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/cris-deitos/EasyDispatch/internal/cmd/server"
	cfgpkg "github.com/cris-deitos/EasyDispatch/internal/config"
	pebblestore "github.com/cris-deitos/EasyDispatch/internal/storage/pebble"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

func main() {
	level := os.Getenv("EASYDISPATCH_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "easydispatch",
		Short: "EasyDispatch audio relay CLI",
		Long:  "EasyDispatch relays live radio audio chunks to web listeners. This CLI manages the relay server and basic producer/listener operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the relay server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			configPath, _ := cmd.Flags().GetString("config")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			if logLevel != "" {
				_ = os.Setenv("EASYDISPATCH_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("EASYDISPATCH_LOG_FORMAT", logFormat)
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       cfg.DataDir,
				HTTPAddr:      cfg.HTTPAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (defaults to an OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	serverStartCmd.Flags().String("log-level", os.Getenv("EASYDISPATCH_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("EASYDISPATCH_LOG_FORMAT"), "Log format: text|json")
	serverStartCmd.Flags().String("config", "", "Path to JSON config file")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// chunk send
	chunkCmd := &cobra.Command{Use: "chunk", Short: "Producer operations"}
	chunkSendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send one audio chunk from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetInt("channel")
			source, _ := cmd.Flags().GetInt64("source")
			target, _ := cmd.Flags().GetInt64("target")
			seq, _ := cmd.Flags().GetInt64("seq")
			file, _ := cmd.Flags().GetString("file")
			persist, _ := cmd.Flags().GetBool("persist")
			apiKey, _ := cmd.Flags().GetString("api-key")

			var data []byte
			var err error
			if file == "" || file == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]any{
				"channel":    channel,
				"source_id":  source,
				"target_id":  target,
				"sequence":   seq,
				"chunk_data": base64.StdEncoding.EncodeToString(data),
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
				"persist":    persist,
			})
			req, err := http.NewRequest(http.MethodPost, apiURL()+"/v1/audio/ingest", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Println("status:", resp.Status)
			fmt.Println(strings.TrimSpace(string(out)))
			return nil
		},
	}
	chunkSendCmd.Flags().Int("channel", 1, "Channel (timeslot)")
	chunkSendCmd.Flags().Int64("source", 0, "Source radio id")
	chunkSendCmd.Flags().Int64("target", 0, "Target talkgroup id")
	chunkSendCmd.Flags().Int64("seq", 0, "Chunk sequence number")
	chunkSendCmd.Flags().String("file", "-", "Payload file, or - for stdin")
	chunkSendCmd.Flags().Bool("persist", false, "Mark the session for durable recording")
	chunkSendCmd.Flags().String("api-key", os.Getenv("EASYDISPATCH_API_KEY"), "Producer API key")
	chunkCmd.AddCommand(chunkSendCmd)
	rootCmd.AddCommand(chunkCmd)

	// stream listen
	streamCmd := &cobra.Command{Use: "stream", Short: "Listener operations"}
	streamListenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Tail a channel's event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetInt("channel")
			filter, _ := cmd.Flags().GetString("filter")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL(apiURL(), channel, filter), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			event := ""
			for scanner.Scan() {
				line := scanner.Text()
				switch {
				case strings.HasPrefix(line, "event: "):
					event = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					fmt.Printf("%s %s\n", event, strings.TrimPrefix(line, "data: "))
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			return scanner.Err()
		},
	}
	streamListenCmd.Flags().Int("channel", 1, "Channel (timeslot)")
	streamListenCmd.Flags().String("filter", "", "CEL session filter, e.g. 'source_id == 100'")
	streamCmd.AddCommand(streamListenCmd)
	rootCmd.AddCommand(streamCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// streamURL builds the listen endpoint URL; the filter is a free-form
// CEL expression and must be query-escaped.
func streamURL(api string, channel int, filter string) string {
	u := fmt.Sprintf("%s/v1/audio/stream?channel=%d", api, channel)
	if filter != "" {
		u += "&filter=" + url.QueryEscape(filter)
	}
	return u
}

func apiURL() string {
	if v := os.Getenv("EASYDISPATCH_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
