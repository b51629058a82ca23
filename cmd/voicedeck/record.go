package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RomanSlack/VoiceDeck/internal/config"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
	"github.com/RomanSlack/VoiceDeck/internal/session"
)

// record captures one session from the terminal. The first interrupt (or
// the -duration deadline) stops recording and waits for the transcript; a
// second interrupt cancels.
func record(cfg *config.Config, opts options, manager *session.Manager, logger *slog.Logger) int {
	s, err := manager.Start(context.Background(), session.StartOptions{
		DeviceID:   cfg.Audio.Device,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start recording: %v\n", err)
		return exitCode(failure.KindOf(err))
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	fmt.Fprintln(os.Stderr, "Recording... press Ctrl+C to stop.")
	meter := time.NewTicker(250 * time.Millisecond)
	defer meter.Stop()

recording:
	for {
		select {
		case <-meter.C:
			fmt.Fprintf(os.Stderr, "\r%s", levelBar(s.ReadLevel()))
		case sig := <-sigChan:
			logger.Info("Received signal, stopping recording", slog.String("signal", sig.String()))
			break recording
		case <-deadline:
			break recording
		case <-s.Done():
			break recording
		}
	}
	fmt.Fprintln(os.Stderr)

	if err := s.Stop(); err != nil {
		logger.Warn("Capture ended with error", slog.String("error", err.Error()))
	}
	if s.State() == session.StateDraining {
		fmt.Fprintln(os.Stderr, "Transcribing... press Ctrl+C again to cancel.")
	}

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == session.EventChunkStatus || ev.Kind == session.EventRetry {
				logger.Info("Chunk progress",
					slog.Int("chunk", ev.ChunkIndex),
					slog.String("status", ev.Status.String()),
					slog.Int("attempt", ev.Attempt))
			}
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "Cancelling...")
			s.Cancel()
		case <-s.Done():
			result, _ := s.Result()
			return report(result, s.Snapshot().Dir, opts.out)
		}
	}
}

func report(result session.Result, dir, out string) int {
	switch result.State {
	case session.StateCompleted:
		if err := writeTranscript(result.Transcript, out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write transcript: %v\n", err)
			return 1
		}
		return 0
	case session.StateCancelled:
		fmt.Fprintln(os.Stderr, "Cancelled.")
		return 130
	default:
		fmt.Fprintf(os.Stderr, "Transcription failed: %v\n", result.Err)
		if result.FailedChunk != failure.NoChunk {
			fmt.Fprintf(os.Stderr, "Chunk %d could not be transcribed. Audio kept in %s\n", result.FailedChunk, dir)
		}
		return exitCode(result.ErrorKind)
	}
}

func writeTranscript(text, out string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if out == "" {
		_, err := fmt.Fprint(os.Stdout, text)
		return err
	}
	return os.WriteFile(out, []byte(text), 0644)
}

// exitCode maps failure kinds to distinct process exit codes
func exitCode(kind failure.Kind) int {
	switch kind {
	case failure.KindInvalidConfiguration:
		return 2
	case failure.KindAuthenticationFailed:
		return 3
	case failure.KindDeviceUnavailable:
		return 4
	case failure.KindTranscriptionRejected, failure.KindTranscriptionUnavailable:
		return 5
	default:
		return 1
	}
}

func levelBar(level float64) string {
	const width = 30
	n := int(level * width)
	if n > width {
		n = width
	}
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("#", n), strings.Repeat(" ", width-n), level*100)
}
