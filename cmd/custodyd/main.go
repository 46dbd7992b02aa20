// Command custodyd serves the account custody API: it docks ledger accounts
// under custodial keys and drives undocking back to their owners.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/R3E-Network/custody_layer/internal/app/runtime"
	"github.com/R3E-Network/custody_layer/internal/config"
	"github.com/R3E-Network/custody_layer/internal/platform/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "custodyd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		migrateOnly bool
	)
	flagSet := pflag.NewFlagSet("custodyd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply database migrations and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if migrateOnly {
		db, err := runtime.OpenDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		return migrations.Up(db)
	}

	application, err := runtime.NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}
