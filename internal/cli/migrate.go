package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/internal/db"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or roll back the local store schema",
		Long: `Inspect or roll back the local store schema. The daemon and every other
command apply pending migrations on start; these subcommands exist for
downgrades and support.

Example:
  posync migrate status
  posync migrate down`,
	}
	cmd.AddCommand(newMigrateStatusCommand(rootOpts))
	cmd.AddCommand(newMigrateDownCommand(rootOpts))
	return cmd
}

// MigrationStatus is the schema state of the local store.
type MigrationStatus struct {
	Version int      `json:"version"`
	Applied []string `json:"applied"`
}

func newMigrateStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeStore, err := opts.openMigrator()
			if err != nil {
				return err
			}
			defer closeStore()

			status, err := migrationStatus(m)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read schema state", err)
			}
			text := fmt.Sprintf("schema version %d", status.Version)
			if len(status.Applied) > 0 {
				text += "\n  " + strings.Join(status.Applied, "\n  ")
			}
			return opts.formatter(cmd).Success(status, text)
		},
	}
}

func newMigrateDownCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent schema migration",
		Long: `Roll back the most recent schema migration. The tables it created are
dropped with their rows, so stop the daemon and deliver the queue first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeStore, err := opts.openMigrator()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := m.Down(); err != nil {
				return WrapExitError(ExitFailure, "rollback failed", err)
			}
			status, err := migrationStatus(m)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read schema state", err)
			}
			return opts.formatter(cmd).Success(status, fmt.Sprintf("rolled back to schema version %d", status.Version))
		},
	}
}

// openMigrator opens the store without migrating it.
func (o *RootOptions) openMigrator() (*db.Migrator, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	m := db.NewMigrator(store.DB, db.Migrations())
	if err := m.Initialize(); err != nil {
		store.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return m, func() { store.Close() }, nil
}

func migrationStatus(m *db.Migrator) (*MigrationStatus, error) {
	version, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}
	status := &MigrationStatus{Version: version, Applied: []string{}}
	for _, mig := range applied {
		status.Applied = append(status.Applied, fmt.Sprintf("V%d %s", mig.Version, mig.Description))
	}
	return status, nil
}
