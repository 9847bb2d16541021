package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/ludia8888/warden/internal/core/config"
	"github.com/ludia8888/warden/internal/infra/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status]",
	Short: "Run schema migrations against the configured database",
	Args:  cobra.ExactArgs(1),
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := goose.SetDialect("postgres"); err != nil {
		slog.Error("Failed to set goose dialect", "error", err)
		os.Exit(1)
	}

	dir := cfg.Database.MigrationsDir
	if dir == "" {
		dir = "migrations"
	}

	action := args[0]
	switch action {
	case "up":
		err = goose.Up(db.DB, dir)
	case "down":
		err = goose.Down(db.DB, dir)
	case "status":
		err = goose.Status(db.DB, dir)
	default:
		fmt.Printf("Unknown migrate action %q, want up, down, or status\n", action)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Migration failed", "action", action, "error", err)
		os.Exit(1)
	}

	if action != "status" {
		fmt.Printf("Migration %s complete\n", action)
	}
}
