// Command fakenats runs a minimal in-memory server speaking the text
// protocol, for local development and black-box client testing.
//
// Usage:
//
//	fakenats -addr 127.0.0.1:4222 -ws 127.0.0.1:8080 -auth app:secret -log-conn
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4222", "TCP listen address")
	wsAddr := flag.String("ws", "", "websocket listen address (empty disables)")
	serverID := flag.String("server-id", "fakenats", "server id reported in INFO")
	maxPayload := flag.Int("max-payload", 1048576, "maximum accepted payload in bytes")
	auth := flag.String("auth", "", "required credentials as user:pass (empty disables auth)")
	verboseDefault := flag.Bool("verbose-default", false, "acknowledge commands even before CONNECT opts in")
	logConns := flag.Bool("log-conn", false, "log client connects and disconnects")
	latency := flag.Duration("latency", 0, "artificial delay before each message delivery")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	config := Config{
		Addr:           *addr,
		WSAddr:         *wsAddr,
		ServerID:       *serverID,
		MaxPayload:     *maxPayload,
		VerboseDefault: *verboseDefault,
		LogConns:       *logConns,
		Latency:        *latency,
		Logger:         logger,
	}
	if *auth != "" {
		user, pass, ok := strings.Cut(*auth, ":")
		if !ok {
			fmt.Fprintln(os.Stderr, "-auth must be user:pass")
			os.Exit(2)
		}
		config.Auth = map[string]string{user: pass}
	}

	server := NewServer(config)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	logger.Info().Msg("shutting down")
	server.Stop()
}
