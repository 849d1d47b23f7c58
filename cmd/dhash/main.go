// Command dhash runs a DHash peer: either the first node of a new ring
// or a node joining through a gateway. The peer leaves the ring
// gracefully on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dhashring/dhash/chord"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dhash",
		Short: "DHash peer: an erasure-coded DHT node on a Chord ring",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dhash.yaml)")
	rootCmd.PersistentFlags().String("addr", "127.0.0.1", "address to listen on")
	rootCmd.PersistentFlags().Int("port", 8030, "port to listen on")
	viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Create a new ring and serve as its first peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := newPeer(cmd)
			if err != nil {
				return err
			}
			if err := peer.StartChord(); err != nil {
				return err
			}
			waitForSignal(peer)
			return nil
		},
	}

	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join an existing ring through a gateway peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			gateway, err := cmd.Flags().GetString("gateway")
			if err != nil {
				return err
			}
			host, portStr, err := net.SplitHostPort(gateway)
			if err != nil {
				return fmt.Errorf("bad gateway %q: %w", gateway, err)
			}
			gatewayPort, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("bad gateway port %q: %w", portStr, err)
			}

			peer, err := newPeer(cmd)
			if err != nil {
				return err
			}
			if err := peer.Join(host, gatewayPort); err != nil {
				return err
			}
			waitForSignal(peer)
			return nil
		},
	}
	joinCmd.Flags().String("gateway", "", "host:port of a peer already in the ring")
	joinCmd.MarkFlagRequired("gateway")

	rootCmd.AddCommand(startCmd, joinCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newPeer(cmd *cobra.Command) (*chord.Peer, error) {
	cfg, err := chord.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = viper.GetString("addr")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = viper.GetInt("port")
	}

	setupLogging(cfg)
	return chord.NewPeer(cfg), nil
}

func setupLogging(cfg *chord.Config) {
	log.SetFormatter(&log.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
		})
	}
}

// waitForSignal blocks until the process is asked to stop, then leaves
// the ring gracefully.
func waitForSignal(peer *chord.Peer) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh

	log.Infof("received %v, leaving ring", sig)
	if err := peer.Leave(); err != nil {
		log.Errorf("graceful leave: %v", err)
		peer.Kill()
	}
}
