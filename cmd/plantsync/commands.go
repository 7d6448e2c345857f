package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkowalski/plantsync/internal/db"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if a.engine == nil {
			return apperrors.New(apperrors.ErrInvalid, "sync runs on replicas; this process is the authority")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		result, err := a.engine.RunCycle(ctx)
		if err != nil {
			return err
		}

		cmd.Printf("pushed %d, pulled %d, conflicts %d in %s\n",
			result.Pushed, result.Pulled, result.Conflicts, result.Duration.Round(time.Millisecond))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		cmd.Printf("role: %s\n", a.oracle.Role())
		cmd.Printf("zone: %s\n", a.oracle.Location())

		cursor, err := a.repo.GetSyncCursor()
		if err != nil {
			return err
		}
		if cursor.LastPullAt == 0 {
			cmd.Println("last pull: never")
		} else {
			cmd.Printf("last pull: %s\n", time.Unix(cursor.LastPullAt, 0).In(a.oracle.Location()).Format(time.RFC3339))
		}

		if a.queue != nil {
			pending, err := a.queue.PendingCount()
			if err != nil {
				return err
			}
			cmd.Printf("pending changes: %d\n", pending)
		}

		conflicts, err := a.repo.ListConflictLogs(5)
		if err != nil {
			return err
		}
		for _, c := range conflicts {
			cmd.Printf("conflict: %s/%s resolved %s\n", c.TableName, c.RecordID, c.Resolution)
		}
		return nil
	},
}

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back) database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		migrator := db.NewMigrator(database.DB)
		if err := migrator.Initialize(); err != nil {
			return err
		}

		if migrateDown {
			if err := migrator.Down(); err != nil {
				return err
			}
		} else {
			if err := migrator.Up(); err != nil {
				return err
			}
		}

		version, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}
		cmd.Printf("schema version: %d\n", version)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the most recent migration")
}
