// Command remind runs one reminder dispatch batch for a tenant and exits.
// Meant to be invoked from cron or a scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/revive-app/recoveryservice/internal/app"
	"github.com/revive-app/recoveryservice/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	tenantID := flag.String("tenant", "default", "tenant to dispatch reminders for")
	timeout := flag.Duration("timeout", 5*time.Minute, "batch timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stats, err := application.Reminders().Run(ctx, *tenantID)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if shutdownErr := application.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Shutdown error: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("Reminder run failed: %v", err)
	}

	fmt.Printf("Reminders dispatched: processed=%d successful=%d failed=%d\n",
		stats.Processed, stats.Successful, stats.Failed)
	os.Exit(0)
}
