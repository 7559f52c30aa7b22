package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/wishcore/core"
	"github.com/gosuda/wishcore/core/cryptoops"
)

var (
	flagListenAddr string
	flagWorkDir    string
	flagAlias      string
	flagRelayHost  string
	flagRelayPort  int
	flagNoDiscover bool
	flagDNSServer  string
)

var rootCmd = &cobra.Command{
	Use:   "wishd",
	Short: "wishcore peer-to-peer node daemon",
	RunE:  runNode,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListenAddr, "listen", ":40000", "direct wish TCP listen address")
	flags.StringVar(&flagWorkDir, "workdir", ".wishcore", "directory holding the identity file")
	flags.StringVar(&flagAlias, "alias", "node", "alias for this node's local identity")
	flags.StringVar(&flagRelayHost, "relay-host", "", "relay server host to register with (empty disables)")
	flags.IntVar(&flagRelayPort, "relay-port", 40001, "relay server port")
	flags.BoolVar(&flagNoDiscover, "no-discover", false, "disable local UDP discovery broadcast/listen")
	flags.StringVar(&flagDNSServer, "dns-server", os.Getenv("WISHCORE_DNS_SERVER"), "DNS server ip:port (env: WISHCORE_DNS_SERVER; default /etc/resolv.conf)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("wishd exited")
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(flagWorkDir, 0o700); err != nil {
		return err
	}

	hostID, err := bootstrapHostID(flagWorkDir)
	if err != nil {
		return err
	}

	cfg := core.DefaultConfig(filepath.Join(flagWorkDir, "identities.db"))
	cfg.ListenAddr = flagListenAddr
	cfg.DNSServer = flagDNSServer
	cfg.HostID = hostID
	if flagNoDiscover {
		cfg.DiscoveryPort = -1
	}

	c, err := core.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	local, err := bootstrapLocalIdentity(c)
	if err != nil {
		return err
	}
	log.Info().Str("uid", hexUID(local)).Str("alias", flagAlias).Msg("wishd: local identity ready")

	if flagRelayHost != "" {
		c.AddRelay(local, flagRelayHost, flagRelayPort)
		log.Info().Str("relay", flagRelayHost).Msg("wishd: relay session registered")
	}

	if err := c.Listen(); err != nil {
		return err
	}
	log.Info().Str("listen", flagListenAddr).Msg("wishd: accepting direct connections")

	go c.Run()

	<-ctx.Done()
	log.Info().Msg("wishd: shutting down")
	return nil
}

// bootstrapHostID returns the stable 16-byte host id this node uses for
// parallel-connection tie-break and discovery advertisements, generating
// and persisting one on first run.
func bootstrapHostID(workDir string) ([]byte, error) {
	path := filepath.Join(workDir, "hostid")
	if b, err := os.ReadFile(path); err == nil && len(b) == 16 {
		return b, nil
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

// bootstrapLocalIdentity returns the first local identity in the store,
// creating one with flagAlias if none exists yet.
func bootstrapLocalIdentity(c *core.Core) ([cryptoops.UIDLen]byte, error) {
	uids := c.Identities.ListLocalUIDs(1)
	if len(uids) > 0 {
		return uids[0], nil
	}
	rec, err := c.Identities.CreateLocal(flagAlias, nil, "")
	if err != nil {
		return [cryptoops.UIDLen]byte{}, err
	}
	return rec.UID, nil
}

func hexUID(uid [cryptoops.UIDLen]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(uid)*2)
	for i, b := range uid {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out)
}
