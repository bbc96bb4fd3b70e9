package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/mcconnect/pkg/mojang"
	"github.com/aeolun/mcconnect/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var errShutdownSignal = errors.New("shutdown signal received")

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the relay",
	Long:    `Start the relay: the plugin TCP listener, the WebSocket listener and the ops HTTP endpoints (/metrics, /health, /servers).`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	key := "bind"
	serveCmd.Flags().String(key, "", wrapString("Address to bind every listener to (overrides bind_address)"))

	key = "tcp-port"
	serveCmd.Flags().Int(key, 0, wrapString("Plugin TCP port (overrides tcp_port)"))

	key = "http-port"
	serveCmd.Flags().Int(key, 0, wrapString("WebSocket port, negative disables (overrides http_port)"))

	key = "metrics-port"
	serveCmd.Flags().Int(key, 0, wrapString("Ops HTTP port, negative disables (overrides metrics_port)"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	dataDir, err := server.DataDir()
	if err != nil {
		return err
	}
	if err := server.InitLoggers(dataDir); err != nil {
		return err
	}
	if viper.GetBool("debug") {
		server.EnableDebugLogging(dataDir)
		log.Printf("Debug logging enabled")
	}

	db, dbPath, err := openDatabase(config)
	if err != nil {
		return err
	}
	// Closed after Stop so the write buffer can flush
	defer db.Close()

	serverConfig := config.ToServerConfig()
	srv := server.NewServer(db, serverConfig)
	srv.SetNameResolver(mojang.NewClient(serverConfig.NameLookupURL, serverConfig.NameLookupRate))

	log.Printf("Config: %s", viper.GetString("config"))
	log.Printf("Database: %s", dbPath)

	if err := srv.Start(); err != nil {
		return err
	}

	log.Printf("mcconnect %s started", Version)
	log.Printf("  - Plugin protocol (TCP): %s", srv.Addr())
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws", addr)
	}
	if addr := srv.MetricsAddr(); addr != nil {
		log.Printf("  - Ops: http://%s/metrics, /health, /servers", addr)
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		<-ctx.Done()
		if sigCtx.Err() != nil {
			return errShutdownSignal
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down relay...")
		return srv.Stop()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdownSignal) && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Println("Relay stopped")
	return nil
}
