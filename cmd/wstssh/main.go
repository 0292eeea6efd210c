package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/config"
	"github.com/sammck-go/wstssh/pkg/kex"
	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/sammck-go/wstssh/pkg/session"
	sshshare "github.com/sammck-go/wstssh/share"
	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML configuration file
	configPath string

	// logLevel overrides log.level when set
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "wstssh",
	Short:         "SSH tunnels carried over WebSockets",
	Version:       sshshare.BuildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Accept SSH sessions over WebSockets and forward their connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		return runServer(cfg, log)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client [server] [forward...]",
	Short: "Connect to a wstssh server and expose local forwards",
	Long: `Connect to a wstssh server and expose local forwards.

A forward is one of:
  <remote-port>
  <remote-host>:<remote-port>
  [<local-host>:]<local-port>:<remote-host>:<remote-port>
  [[<local-host>:]<local-port>:]socks
  stdio:<remote-host>:<remote-port>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Client.Server = args[0]
			cfg.Client.Forwards = append(cfg.Client.Forwards, args[1:]...)
		}
		if cfg.Client.Server == "" {
			return fmt.Errorf("no server given")
		}
		return runClient(cfg, log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (error, warn, info, debug, trace)")
	serverCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serverCmd.Flags().String("host", "0.0.0.0", "address to listen on")
	rootCmd.AddCommand(serverCmd, clientCmd)
}

// setup loads the configuration and builds the root logger
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("wstssh"),
	)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Kex: kex.Config{
			Methods: cfg.SSH.KexMethods,
			Ciphers: cfg.SSH.Ciphers,
			MACs:    cfg.SSH.MACs,
		},
		Mux: mux.Config{
			WindowSize: cfg.SSH.WindowSize,
			MaxPacket:  cfg.SSH.MaxPacket,
		},
		RekeyBytes:    cfg.SSH.RekeyBytes,
		RekeyInterval: cfg.SSH.RekeyInterval,
	}
}

func runServer(cfg *config.Config, log logger.Logger) error {
	s, err := sshshare.NewServer(log, &sshshare.ServerConfig{
		KeySeed:    cfg.Server.KeySeed,
		KeyFile:    cfg.Server.KeyFile,
		AuthFile:   cfg.Server.AuthFile,
		Auth:       cfg.Server.Auth,
		Proxy:      cfg.Server.Proxy,
		ModuliFile: cfg.Server.ModuliFile,
		Banner:     cfg.Server.Banner,
		SSH:        sessionConfig(cfg),

		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return s.Run(ctx, cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func runClient(cfg *config.Config, log logger.Logger) error {
	sshConfig := sessionConfig(cfg)
	sshConfig.KeepaliveInterval = cfg.SSH.KeepaliveInterval
	c, err := sshshare.NewClient(log, &sshshare.ClientConfig{
		Fingerprint:      cfg.Client.Fingerprint,
		Auth:             cfg.Client.Auth,
		MaxRetryCount:    cfg.Client.MaxRetryCount,
		MaxRetryInterval: cfg.Client.MaxRetryInterval,
		Server:           cfg.Client.Server,
		HTTPProxy:        cfg.Client.HTTPProxy,
		HostHeader:       cfg.Client.HostHeader,
		Forwards:         cfg.Client.Forwards,
		SSH:              sshConfig,
	})
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return c.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wstssh: %s\n", err)
		os.Exit(1)
	}
}
