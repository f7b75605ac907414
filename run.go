package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"localchat/control"
	"localchat/daemon"
	"localchat/discovery"
	"localchat/identity"
	"localchat/logging"
	"localchat/network"
	"localchat/notify"
	"localchat/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon in the foreground",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	runCmd.Flags().String("log-format", "", "log format: text or json")
	runCmd.Flags().Bool("no-history", false, "do not keep a SQLite message history")
	runCmd.Flags().String("notify-command", "", "program run with sender and preview for each incoming message")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	settings, inst, err := loadInstance(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		settings.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		settings.LogFormat, _ = flags.GetString("log-format")
	}
	if noHistory, _ := flags.GetBool("no-history"); noHistory {
		disabled := false
		settings.History = &disabled
	}
	if flags.Changed("notify-command") {
		settings.NotifyCommand, _ = flags.GetString("notify-command")
	}

	logger, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.Int("instance", inst.Number))

	if err := inst.EnsureDirectories(); err != nil {
		return err
	}

	gateway, err := control.Listen(inst.ControlSocketPath, control.GatewayOptions{Logger: logger})
	if err != nil {
		if errors.Is(err, control.ErrAddressInUse) {
			return fmt.Errorf("instance %d is already running (socket %s in use)", inst.Number, inst.ControlSocketPath)
		}
		return fmt.Errorf("bind control socket: %w", err)
	}

	// Records are refused until the dispatcher installs its own check.
	server, err := network.Listen(inst.ListenAddress(), network.ServerOptions{
		Logger: logger,
		Accept: func(network.WireMessage) error { return daemon.ErrNoIdentity },
	})
	if err != nil {
		_ = gateway.Close()
		return fmt.Errorf("bind TCP port %d: %w", inst.TCPPort, err)
	}

	opts := daemon.Options{
		Port: inst.TCPPort,
		Directory: discovery.NewDirectory(discovery.Config{
			Service:         settings.Service,
			RefreshInterval: settings.RefreshInterval,
			ScanTimeout:     settings.ScanTimeout,
			PeerStaleAfter:  settings.PeerStaleAfter,
			Logger:          logger,
		}),
		Fabric:        server,
		Sender:        network.NewSender(settings.SendTimeout),
		Gateway:       gateway,
		Identity:      identity.NewStore(inst.IdentityFilePath),
		Logger:        logger,
		ShutdownGrace: settings.ShutdownGrace,
	}

	historyState := "disabled"
	if settings.HistoryEnabled() {
		store, err := storage.OpenPath(inst.HistoryPath)
		if err != nil {
			_ = server.Close()
			_ = gateway.Close()
			return fmt.Errorf("open history: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("close history", zap.Error(err))
			}
		}()
		opts.History = store
		historyState = inst.HistoryPath
	}

	if settings.NotifyCommand != "" {
		notifier, err := notify.NewCommand(settings.NotifyCommand, logger)
		if err != nil {
			_ = server.Close()
			_ = gateway.Close()
			return err
		}
		opts.Notifier = notifier
	} else {
		opts.Notifier = notify.NewLog(logger)
	}

	dispatcher, err := daemon.New(opts)
	if err != nil {
		_ = server.Close()
		_ = gateway.Close()
		return err
	}

	banner(os.Stdout, inst, historyState, settings.NotifyCommand)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("daemon started",
		zap.Int("port", inst.TCPPort),
		zap.String("socket", inst.ControlSocketPath),
	)
	if err := dispatcher.Run(ctx); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
