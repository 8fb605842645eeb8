package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedatabase "github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/porthorian/rhombus/pkg/storage/postgres"
)

const (
	defaultMigrationsTable = "rhombus.schema_migrations"
	embeddedSourceName     = "embedded migrations"
)

type migrateConfig struct {
	DatabaseURL     string
	MigrationsTable string
	MigrationsPath  string
}

type migrationRunner struct {
	*migrate.Migrate
	source string
	table  migrationsTable
}

func init() {
	rootCmd.AddCommand(newMigrateCommand())
}

func newMigrateCommand() *cobra.Command {
	cfg := migrateConfig{MigrationsTable: defaultMigrationsTable}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Rhombus postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := migrateCmd.PersistentFlags()
	flags.StringVar(&cfg.DatabaseURL, "database-url", "", "Postgres connection URL. Can also be set via RHOMBUS_MIGRATE_DATABASE_URL or RHOMBUS_DATABASE_URL.")
	flags.StringVar(&cfg.MigrationsTable, "migrations-table", cfg.MigrationsTable, "Version table as table or schema.table. Can also be set via RHOMBUS_MIGRATE_MIGRATIONS_TABLE.")
	flags.StringVar(&cfg.MigrationsPath, "migrations-path", "", "Directory or source URL for migration files. Defaults to the migrations built into the binary.")

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up [steps]",
		Short: "Apply pending migrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, hasSteps, err := parseMigrationStepsArg(args)
			if err != nil {
				return err
			}
			return withMigrationRunner(cmd, cfg, func(runner *migrationRunner) error {
				if !hasSteps {
					err := runner.Up()
					if isNoChangeBoundaryError(err) {
						cmd.Println("No schema changes to apply.")
						return nil
					}
					if err != nil {
						return fmt.Errorf("apply migrations: %w", err)
					}
					cmd.Printf("Applied all pending migrations from %s\n", runner.source)
					return nil
				}
				return reportSteps(cmd, runner, steps, runner.Steps(steps), "Applied", "apply")
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down <steps>",
		Short: "Roll back the given number of migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _, err := parseMigrationStepsArg(args)
			if err != nil {
				return err
			}
			return withMigrationRunner(cmd, cfg, func(runner *migrationRunner) error {
				err := runner.Steps(-steps)
				if isDroppedMigrationsTableError(err, runner.table) {
					cmd.Printf("Rolled back %d migration step(s) from %s\n", steps, runner.source)
					cmd.Println("The version table was dropped by the rollback and will be recreated on the next run.")
					return nil
				}
				return reportSteps(cmd, runner, steps, err, "Rolled back", "roll back")
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Force-set the migration version (-1 for no version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseForceVersionArg(args[0])
			if err != nil {
				return err
			}
			return withMigrationRunner(cmd, cfg, func(runner *migrationRunner) error {
				if err := runner.Force(version); err != nil {
					return fmt.Errorf("force migration version: %w", err)
				}
				cmd.Printf("Forced migration version to %d.\n", version)
				return nil
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(cmd, cfg, func(runner *migrationRunner) error {
				version, dirty, err := runner.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					cmd.Println("No migrations applied.")
					return nil
				}
				if err != nil {
					return fmt.Errorf("read migration version: %w", err)
				}
				if dirty {
					cmd.Printf("Version %d (dirty: fix the schema, then run migrate force %d)\n", version, version)
					return nil
				}
				cmd.Printf("Version %d\n", version)
				return nil
			})
		},
	})

	return migrateCmd
}

func withMigrationRunner(cmd *cobra.Command, cfg migrateConfig, fn func(runner *migrationRunner) error) error {
	runner, err := newMigrationRunner(cfg)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, databaseErr := runner.Close()
		if closeErr := errors.Join(sourceErr, databaseErr); closeErr != nil {
			cmd.PrintErrf("warning: failed to close migration runner cleanly: %v\n", closeErr)
		}
	}()
	return fn(runner)
}

// reportSteps prints the outcome of a stepped run. Reaching the first or
// last migration early is reported, not treated as a failure.
func reportSteps(cmd *cobra.Command, runner *migrationRunner, steps int, err error, verb string, action string) error {
	if isNoChangeBoundaryError(err) {
		cmd.Println("No schema changes.")
		return nil
	}

	var shortLimit migrate.ErrShortLimit
	if errors.As(err, &shortLimit) {
		done := steps - int(shortLimit.Short)
		if done <= 0 {
			cmd.Println("No schema changes.")
			return nil
		}
		cmd.Printf("%s %d migration step(s) from %s (requested %d, reached the migration boundary)\n", verb, done, runner.source, steps)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s migrations: %w", action, err)
	}

	cmd.Printf("%s %d migration step(s) from %s\n", verb, steps, runner.source)
	return nil
}

func newMigrationRunner(cfg migrateConfig) (*migrationRunner, error) {
	databaseURL, err := resolveDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	table, err := parseMigrationsTable(resolveMigrationsTable(cfg.MigrationsTable))
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsSchema(databaseURL, table); err != nil {
		return nil, err
	}
	databaseURL, err = applyMigrationsTable(databaseURL, table)
	if err != nil {
		return nil, err
	}

	path := strings.TrimSpace(cfg.MigrationsPath)
	if path == "" {
		source, err := iofs.New(postgres.Migrations, postgres.MigrationsDir)
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		runner, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("create migrate runner: %w", err)
		}
		return &migrationRunner{Migrate: runner, source: embeddedSourceName, table: table}, nil
	}

	sourceURL, err := resolveMigrationsSourceURL(path)
	if err != nil {
		return nil, err
	}
	runner, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate runner: %w", err)
	}
	return &migrationRunner{Migrate: runner, source: sourceURL, table: table}, nil
}

func resolveDatabaseURL(flagValue string) (string, error) {
	databaseURL := strings.TrimSpace(flagValue)
	for _, key := range []string{"RHOMBUS_MIGRATE_DATABASE_URL", "RHOMBUS_DATABASE_URL"} {
		if databaseURL != "" {
			break
		}
		databaseURL = lookupEnv(key)
	}
	if databaseURL == "" {
		return "", errors.New("missing database URL: set --database-url or RHOMBUS_MIGRATE_DATABASE_URL")
	}
	return databaseURL, nil
}

func resolveMigrationsTable(flagValue string) string {
	value := strings.TrimSpace(flagValue)
	if value == "" || value == defaultMigrationsTable {
		if env := lookupEnv("RHOMBUS_MIGRATE_MIGRATIONS_TABLE"); env != "" {
			return env
		}
	}
	if value == "" {
		value = defaultMigrationsTable
	}
	return value
}

func resolveMigrationsSourceURL(path string) (string, error) {
	if strings.Contains(path, "://") {
		return path, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path %q: %w", path, err)
	}
	return "file://" + filepath.ToSlash(absPath), nil
}

func parseMigrationStepsArg(args []string) (int, bool, error) {
	if len(args) == 0 {
		return 0, false, nil
	}

	steps, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || steps <= 0 {
		return 0, false, fmt.Errorf("invalid migration steps %q: expected a positive integer", args[0])
	}
	return steps, true, nil
}

func parseForceVersionArg(arg string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || version < -1 {
		return 0, fmt.Errorf("invalid force version %q: expected an integer >= -1", arg)
	}
	return version, nil
}

type migrationsTable struct {
	Schema string
	Table  string
}

// quoted renders the table as it appears in golang-migrate's statements.
func (t migrationsTable) quoted() string {
	if t.Schema == "" {
		return pq.QuoteIdentifier(t.Table)
	}
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Table)
}

// parseMigrationsTable accepts table, schema.table, or either part wrapped
// in double quotes.
func parseMigrationsTable(value string) (migrationsTable, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return migrationsTable{}, errors.New("migrations table must not be empty")
	}

	parts := splitQualifiedName(raw)
	for i, part := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(part), `"`)
		if parts[i] == "" {
			return migrationsTable{}, fmt.Errorf("invalid migrations table %q", value)
		}
	}

	switch len(parts) {
	case 1:
		return migrationsTable{Table: parts[0]}, nil
	case 2:
		return migrationsTable{Schema: parts[0], Table: parts[1]}, nil
	default:
		return migrationsTable{}, fmt.Errorf("invalid migrations table %q: expected table or schema.table", value)
	}
}

// splitQualifiedName splits on dots outside double quotes.
func splitQualifiedName(value string) []string {
	var (
		parts   []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range value {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == '.' && !quoted:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(parts, current.String())
}

func applyMigrationsTable(databaseURL string, table migrationsTable) (string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse --database-url: %w", err)
	}

	query := parsed.Query()
	if strings.TrimSpace(query.Get("x-migrations-table")) != "" {
		return databaseURL, nil
	}
	if table.Schema == "" {
		query.Set("x-migrations-table", table.Table)
	} else {
		query.Set("x-migrations-table", table.quoted())
		query.Set("x-migrations-table-quoted", "true")
	}

	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// ensureMigrationsSchema creates the version table's schema; golang-migrate
// only creates the table itself.
func ensureMigrationsSchema(databaseURL string, table migrationsTable) error {
	if table.Schema == "" {
		return nil
	}

	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("parse --database-url: %w", err)
	}

	db, err := sql.Open("postgres", migrate.FilterCustomQuery(parsed).String())
	if err != nil {
		return fmt.Errorf("open database for schema bootstrap: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(table.Schema)); err != nil {
		return fmt.Errorf("ensure migrations schema %q exists: %w", table.Schema, err)
	}
	return nil
}

func isNoChangeBoundaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return true
	}
	// Steps past the first or last migration surface as a bare os.ErrNotExist.
	return err == os.ErrNotExist
}

// isDroppedMigrationsTableError matches the failure golang-migrate reports
// when rolling back the initial migration drops the schema holding its
// version table.
func isDroppedMigrationsTableError(err error, table migrationsTable) bool {
	var dbErr *migratedatabase.Error
	if !errors.As(err, &dbErr) || dbErr == nil {
		return false
	}

	query := strings.TrimSpace(string(dbErr.Query))
	if !strings.HasPrefix(strings.ToUpper(query), "TRUNCATE ") || !strings.Contains(query, table.quoted()) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(dbErr.OrigErr, &pqErr) && string(pqErr.Code) == "3F000" {
		return true
	}
	message := strings.ToLower(dbErr.Error())
	return strings.Contains(message, "schema") && strings.Contains(message, "does not exist")
}

func lookupEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
