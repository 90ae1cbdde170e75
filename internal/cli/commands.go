package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/root-talis/migrator"
	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/migration"
)

func (a *app) upCommand() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			version, err := parseTarget(to)
			if err != nil {
				return err
			}
			return a.migrator.Upgrade(cmd.Context(), version)
		}),
	}
	cmd.Flags().StringVar(&to, "to", "", "apply up to and including this version")

	return cmd
}

func (a *app) downCommand() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest applied migrations",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			if steps < 1 {
				return usageError{fmt.Errorf("--steps must be positive, %d given", steps)}
			}
			return a.migrator.Downgrade(cmd.Context(), steps)
		}),
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			status, err := a.migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(newStatusView(status))
			}
			return a.printStatus(status)
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	return cmd
}

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Dry-run pending migrations against the current schema",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			status, err := a.migrator.Validate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d pending migrations are valid\n", status.PendingCount)
			return nil
		}),
	}
}

func (a *app) planCommand() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the statements pending migrations would run",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			version, err := parseTarget(to)
			if err != nil {
				return err
			}

			steps, err := a.migrator.Plan(cmd.Context(), version)
			if err != nil {
				return err
			}

			for _, st := range steps {
				fmt.Fprintf(a.stdout, "-- %s\n", st.Migration)
				for _, stmt := range st.Statements {
					fmt.Fprintf(a.stdout, "%s;\n", stmt)
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&to, "to", "", "plan up to and including this version")

	return cmd
}

func (a *app) bootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the schema migrations start from on an empty database",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			return a.migrator.Bootstrap(cmd.Context())
		}),
	}
}

func (a *app) unlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Release a migration lock left behind by a crashed run",
		Args:  noArgs,
		RunE: a.connected(func(cmd *cobra.Command) error {
			unlocker, ok := a.driver.(driver.Unlocker)
			if !ok {
				return usageError{fmt.Errorf("%s locks are released by the database when the session ends", a.cfg.Driver)}
			}
			return errors.Wrap(unlocker.ForceUnlock(cmd.Context()), "failed to release migration lock")
		}),
	}
}

// ---

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func parseTarget(to string) (migration.Version, error) {
	if to == "" {
		return "", nil
	}
	version, err := migration.ParseVersion(to)
	if err != nil {
		return "", usageError{err}
	}
	return version, nil
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}

func (a *app) printStatus(status *migrator.StatusResult) error {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, m := range status.Migrations {
		appliedAt := ""
		if !m.AppliedAt.IsZero() {
			appliedAt = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, strings.ToUpper(m.Status.String()), appliedAt)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(a.stdout, "\n%d applied, %d pending, %d missing\n",
		status.AppliedCount, status.PendingCount, status.MissingCount)
	return err
}

// ---

type statusView struct {
	Migrations []migrationView `json:"migrations"`
	Applied    uint            `json:"applied"`
	Pending    uint            `json:"pending"`
	Missing    uint            `json:"missing"`
}

type migrationView struct {
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	CanUndo   bool       `json:"can_undo"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

func newStatusView(status *migrator.StatusResult) statusView {
	view := statusView{
		Migrations: make([]migrationView, 0, len(status.Migrations)),
		Applied:    status.AppliedCount,
		Pending:    status.PendingCount,
		Missing:    status.MissingCount,
	}

	for _, m := range status.Migrations {
		mv := migrationView{
			Version: string(m.Version),
			Name:    m.Name,
			Status:  m.Status.String(),
			CanUndo: m.CanUndo,
		}
		if !m.AppliedAt.IsZero() {
			appliedAt := m.AppliedAt.UTC()
			mv.AppliedAt = &appliedAt
		}
		view.Migrations = append(view.Migrations, mv)
	}

	return view
}
