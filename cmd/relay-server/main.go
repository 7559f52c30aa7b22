package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/wishcore/core/relayserver"
)

var flagListenAddr string

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "wishcore rendezvous relay server",
	RunE:  run,
}

func init() {
	defaultListen := os.Getenv("WISHCORE_RELAY_LISTEN")
	if defaultListen == "" {
		defaultListen = ":40001"
	}
	rootCmd.PersistentFlags().StringVar(&flagListenAddr, "listen", defaultListen,
		"relay-control listen address (env: WISHCORE_RELAY_LISTEN)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("relay-server exited")
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", flagListenAddr)
	if err != nil {
		return err
	}

	s := relayserver.New()
	go func() {
		if err := s.Serve(ln); err != nil {
			log.Debug().Err(err).Msg("relay-server: listener closed")
		}
	}()
	log.Info().Str("listen", flagListenAddr).Msg("relay-server: accepting relay-control registrations")

	<-ctx.Done()
	log.Info().Msg("relay-server: shutting down")
	return s.Close()
}
