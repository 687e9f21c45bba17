package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/jaliph/snow-session/api"
	"github.com/jaliph/snow-session/config"
	"github.com/jaliph/snow-session/database"
	"github.com/jaliph/snow-session/server"
	"github.com/jaliph/snow-session/session"
	"github.com/jaliph/snow-session/store"
	"github.com/jaliph/snow-session/utils"
	"github.com/jaliph/snow-session/whatsapp"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	utils.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional MSSQL mirror of session status
	var gormDB *database.GormDB
	if cfg.MSSQLEnabled {
		var err error
		gormDB, err = database.NewGormDB(cfg.MSSQLServer, cfg.MSSQLDatabase, cfg.MSSQLUsername, cfg.MSSQLPassword)
		if err != nil {
			fatal("Failed to initialize GORM database", err)
		}
		defer gormDB.Close()
	}

	// SQLite status table
	db, err := database.NewDatabase(ctx, cfg.SQLitePath, gormDB)
	if err != nil {
		fatal("Failed to initialize SQLite database", err)
	}
	defer db.Close()

	creds, err := store.OpenCredentialStore(cfg.CredentialBackend, filepath.Join(cfg.DataDir, "auth"))
	if err != nil {
		fatal("Failed to open credential store", err)
	}
	defer creds.Close()

	devices, err := store.NewDeviceStoreManager(filepath.Join(cfg.DataDir, "devices"), whatsmeowLogger(cfg.WhatsmeowLogLevel, "Database"))
	if err != nil {
		fatal("Failed to open device stores", err)
	}
	defer devices.CloseAll()

	opts := whatsapp.FactoryOptions{
		ClientName: cfg.ClientName,
		OSName:     cfg.OSName,
		Log:        whatsmeowLogger(cfg.WhatsmeowLogLevel, "Client"),
	}
	if cfg.PrintQRInTerminal {
		opts.QROutput = os.Stdout
	}
	factory := whatsapp.NewFactory(devices, opts)

	sessCfg := session.DefaultConfig()
	sessCfg.PairingTimeout = cfg.PairingTimeout
	sessCfg.PhoneCodeTimeout = cfg.PhoneCodeTimeout
	sessCfg.ConnectTimeout = cfg.ConnectTimeout
	sessCfg.Reconnect = session.ReconnectPolicy{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Multiplier:  cfg.ReconnectMultiplier,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}
	registry := session.NewRegistry(sessCfg, factory, creds, db)

	// Reopen sessions that were linked before the last shutdown
	if _, err := registry.Restore(ctx); err != nil {
		utils.Logger.Warn("Failed to restore stored sessions", "error", err)
	}

	if gormDB != nil {
		if err := gormDB.ForceSyncAllSessions(db); err != nil {
			utils.Logger.Warn("Failed to force sync sessions to MSSQL", "error", err)
		}
		go syncLoop(ctx, gormDB, db, cfg.SyncInterval)
	}

	// Start REST API server
	apiServer := server.NewServer(api.NewHandler(registry, cfg.RateLimit, cfg.RateBurst), ":"+cfg.APIPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			utils.Logger.Error("API server stopped", "error", err)
			stop()
		}
	}()

	utils.Logger.Info("snow-session started", "port", cfg.APIPort, "credentials", cfg.CredentialBackend)

	<-ctx.Done()
	utils.Logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Warn("API server shutdown failed", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Warn("Session shutdown failed", "error", err)
	}
}

// syncLoop mirrors the SQLite status table into MSSQL until ctx ends
func syncLoop(ctx context.Context, gormDB *database.GormDB, db *database.Database, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gormDB.ForceSyncAllSessions(db); err != nil {
				utils.Logger.Warn("Periodic MSSQL sync failed", "error", err)
			}
		}
	}
}

func whatsmeowLogger(level, module string) waLog.Logger {
	if level == "" {
		return waLog.Noop
	}
	return waLog.Stdout(module, strings.ToUpper(level), true)
}

func fatal(msg string, err error) {
	utils.Logger.Error(msg, "error", err)
	os.Exit(1)
}
