package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"timecapsule/internal/auth"
	"timecapsule/internal/config"
	"timecapsule/internal/filestore"
	"timecapsule/internal/gateway"
	"timecapsule/internal/http"
	"timecapsule/internal/push"
	"timecapsule/internal/storage"
	"timecapsule/internal/ws"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	// Rehydrate persisted users so logins survive a restart.
	users, err := bbStorage.ListUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		authService.RestoreUser(auth.UserCredentials{
			UserID:       u.ID,
			Username:     u.UserName,
			PasswordHash: u.PasswordHash,
			IsAdmin:      u.IsAdmin,
		})
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	notifier := push.NewNotifier(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushContact, bbStorage)

	hub, err := ws.NewHub(bbStorage, notifier)
	if err != nil {
		return err
	}

	// With no gateway configured, mount the stub on the admin listener and
	// point the client at it.
	var stub *gateway.Stub
	gatewayURL := cfg.GatewayURL
	if gatewayURL == "" {
		stub = gateway.NewStub()
		gatewayURL = "http://" + cfg.AdminAddr + "/gateway"
		log.Printf("No payment gateway configured, using built-in stub at %s", gatewayURL)
	}
	gw := gateway.NewClient(gatewayURL, cfg.GatewaySecretKey)

	adminServer := http.NewAdminServer(authService, bbStorage, hub, stub, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, hub, files, bbStorage, gw, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
