package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/audio"
	"github.com/RomanSlack/VoiceDeck/internal/capture"
	"github.com/RomanSlack/VoiceDeck/internal/config"
	"github.com/RomanSlack/VoiceDeck/internal/journal"
	"github.com/RomanSlack/VoiceDeck/internal/metrics"
	"github.com/RomanSlack/VoiceDeck/internal/server"
	"github.com/RomanSlack/VoiceDeck/internal/session"
	"github.com/RomanSlack/VoiceDeck/internal/transcriber"
)

const (
	serviceName    = "voicedeck"
	serviceVersion = "1.0.0"
)

type options struct {
	configPath  string
	device      string
	duration    time.Duration
	out         string
	serve       bool
	listDevices bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (default: search XDG, home and working directory)")
	flag.StringVar(&opts.device, "device", "", "Capture device id (default: system default input)")
	flag.DurationVar(&opts.duration, "duration", 0, "Stop recording after this long (default: until interrupted)")
	flag.StringVar(&opts.out, "out", "", "Write the transcript to this file instead of stdout")
	flag.BoolVar(&opts.serve, "serve", false, "Run the HTTP control API instead of recording once")
	flag.BoolVar(&opts.listDevices, "list-devices", false, "List capture devices and exit")
	flag.Parse()

	os.Exit(run(opts))
}

func run(opts options) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if opts.device != "" {
		cfg.Audio.Device = opts.device
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfg.Path),
	)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Duration("max_chunk_duration", cfg.Chunking.GetMaxChunkDuration()),
		slog.Int64("max_chunk_bytes", cfg.Chunking.GetMaxChunkBytes()),
		slog.String("provider", cfg.Transcription.Provider),
		slog.String("model", cfg.Transcription.Model),
		slog.Bool("journal", cfg.Journal.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	backend, err := capture.NewMalgoBackend(logger)
	if err != nil {
		logger.Error("Failed to initialise audio backend", slog.String("error", err.Error()))
		return 1
	}
	defer backend.Close()

	if opts.listDevices {
		return listDevices(backend)
	}

	appMetrics := metrics.NewMetrics(nil)

	var j *journal.Journal
	if cfg.Journal.Enabled {
		path := cfg.Journal.Path
		if path == "" {
			path = journal.DefaultPath()
		}
		j, err = journal.Open(path, logger)
		if err != nil {
			// History is optional; recording still works without it.
			logger.Warn("Journal disabled", slog.String("path", path), slog.String("error", err.Error()))
			j = nil
		} else {
			defer j.Close()
		}
	}

	// Environment first, then the configuration file.
	creds := transcriber.Chain{
		transcriber.EnvKey(config.EnvAPIKey),
		transcriber.StaticKey(cfg.Transcription.APIKey),
	}

	tr, err := transcriber.New(transcriber.Config{
		Provider: cfg.Transcription.Provider,
		Model:    cfg.Transcription.Model,
		BaseURL:  cfg.Transcription.BaseURL,
		Language: cfg.Transcription.Language,
		Prompt:   cfg.Transcription.Prompt,
		Timeout:  cfg.Transcription.GetTimeoutDuration(),
		Limits: transcriber.Limits{
			MaxBytes:    cfg.Transcription.GetProviderMaxBytes(),
			MaxDuration: cfg.Transcription.GetProviderMaxDuration(),
		},
	}, creds, logger)
	if err != nil {
		logger.Error("Failed to create transcriber", slog.String("error", err.Error()))
		return 1
	}

	manager, err := session.NewManager(session.Config{
		Policy: audio.ChunkingPolicy{
			MaxDuration: cfg.Chunking.GetMaxChunkDuration(),
			MaxBytes:    cfg.Chunking.GetMaxChunkBytes(),
		},
		Retry: session.RetryPolicy{
			MaxAttempts:    cfg.Transcription.MaxAttempts,
			InitialBackoff: cfg.Transcription.GetInitialBackoff(),
			MaxBackoff:     cfg.Transcription.GetMaxBackoff(),
		},
		CallTimeout: cfg.Transcription.GetTimeoutDuration(),
		StorageDir:  cfg.Storage.TempDir,
		AutoDelete:  cfg.Storage.CleanupAfterTranscription,
		EventBuffer: session.DefaultConfig().EventBuffer,
	}, backend, tr, creds, j, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			logger.Error("Error stopping session manager", slog.String("error", err.Error()))
		}
	}()

	if opts.serve || cfg.HTTP.Enabled {
		return serve(cfg, manager, appMetrics, logger)
	}
	return record(cfg, opts, manager, logger)
}

// serve runs the control API until SIGINT or SIGTERM
func serve(cfg *config.Config, manager *session.Manager, m *metrics.Metrics, logger *slog.Logger) int {
	httpServer := server.NewHTTPServer(cfg, manager, m, nil, logger)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", cfg.HTTP.GetListenAddress()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Cancel sessions first so open event streams end.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping session manager", slog.String("error", err.Error()))
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
	return 0
}

func listDevices(backend capture.Backend) int {
	devices, err := backend.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
		return 1
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\n", marker, d.ID, d.Name)
	}
	return 0
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Transcripts go to stdout, so logs default to stderr.
	var output *os.File
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
