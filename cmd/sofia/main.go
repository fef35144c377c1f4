package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sjawhar/sofia/internal/app"
	"github.com/sjawhar/sofia/internal/capture"
	"github.com/sjawhar/sofia/internal/config"
	"github.com/sjawhar/sofia/internal/logging"
	"github.com/sjawhar/sofia/internal/server"
	"github.com/sjawhar/sofia/internal/voice"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitTimeout = 2
)

const replyTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("sofia "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config.yaml (default $SOFIA_CONFIG or ./config.yaml)")
	var expect *string
	var manual *bool
	if command == "listen" {
		expect = fs.String("expect", "", "comma-separated accepted answers")
		manual = fs.Bool("manual", false, "capture until Enter instead of stopping on speech")
	}
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, warnings, err := config.Load(config.Path(*configPath))
	if err != nil {
		fmt.Fprintf(stderr, "sofia: %v\n", err)
		return exitFailure
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Console: stderr})
	defer func() { _ = logger.Close() }()
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, warnings, logger.Logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitFailure
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	switch command {
	case "serve":
		logger.Info("sofia started", "listen_addr", cfg.ListenAddr)
		if err := a.Serve(ctx); err != nil {
			logger.Error("serve failed", "error", err)
			return exitFailure
		}
		logger.Info("sofia stopped")
		return exitOK

	case "listen":
		req := listenRequest(*expect, *manual)
		replies := a.Hub().Subscribe()
		defer a.Hub().Unsubscribe(replies)

		stopCh := make(chan struct{})
		go waitForEnter(stdin, stopCh)
		if req.Mode == "manual" {
			fmt.Fprintln(stderr, "Listening. Press Enter to stop.")
		} else {
			fmt.Fprintln(stderr, "Listening...")
		}

		result, err := a.ListenOnce(ctx, req, stopCh)
		if result.Transcript != "" {
			fmt.Fprintln(stdout, result.Transcript)
		}
		if err == nil {
			err = result.Err
		}
		if err != nil {
			fmt.Fprintln(stderr, voice.Message(err))
		}
		if req.Mode == "chat" && err == nil && result.Transcript != "" {
			if text, ok := awaitReply(ctx, replies); ok {
				fmt.Fprintln(stdout, "Sofia: "+text)
			}
		}
		return exitCode(result)

	default:
		fmt.Fprintf(stderr, "sofia: unknown command %q (use serve or listen)\n", command)
		return exitFailure
	}
}

func listenRequest(expect string, manual bool) server.ListenRequest {
	if manual {
		return server.ListenRequest{Mode: "manual"}
	}
	var expected []string
	for _, part := range strings.Split(expect, ",") {
		if p := strings.TrimSpace(part); p != "" {
			expected = append(expected, p)
		}
	}
	if len(expected) == 0 {
		return server.ListenRequest{Mode: "chat"}
	}
	return server.ListenRequest{Mode: "answer", Expected: expected}
}

// awaitReply returns the next tutor reply published on the hub.
func awaitReply(ctx context.Context, ch <-chan []byte) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return "", false
			}
			var ev server.TutorReplyEvent
			if json.Unmarshal(msg, &ev) == nil && ev.Type == "tutor_reply" {
				return ev.Text, true
			}
		case <-ctx.Done():
			return "", false
		}
	}
}

func waitForEnter(r io.Reader, stop chan<- struct{}) {
	if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
		close(stop)
	}
}

func exitCode(r capture.Result) int {
	switch {
	case errors.Is(r.Err, capture.ErrInactivityTimeout), r.Reason == capture.ReasonTimeout:
		return exitTimeout
	case r.Err != nil:
		return exitFailure
	case r.Reason == capture.ReasonAccepted, r.Reason == capture.ReasonStopped:
		return exitOK
	default:
		return exitFailure
	}
}
