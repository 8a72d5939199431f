package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	Long: `Run the caching proxy. The configured generation is installed and
activated before the listener opens. SIGHUP reloads the config file and rolls
out a new generation when app.version changed.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := offline0.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("offline0 listening on %s, origin=%s, generation=%s", addr, cfg.Server.Origin, svc.Controller().Generation())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case <-hup:
			reload(ctx, svc)
		}
	}
}

func reload(ctx context.Context, svc *offline0.Service) {
	cfg, err := loadConfig()
	if err != nil {
		log.Printf("reload: %v", err)
		return
	}
	p, err := cfg.Policy()
	if err != nil {
		log.Printf("reload: %v", err)
		return
	}
	changed, err := svc.Rollout(ctx, p)
	if err != nil {
		log.Printf("reload: %v", err)
		return
	}
	if !changed {
		log.Printf("reload: generation %s unchanged", p.Generation)
	}
}
