package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("missing migrate action")
	}

	// The schema is left alone until the action runs.
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
	case "status":
	case "help":
		PrintMigrateHelp(w)
		return nil
	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action %q", action)
	}
	return printMigrationStatus(w, database)
}

func printMigrationStatus(w io.Writer, database *DB) error {
	st, err := database.MigrationStatus()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "Current version: %d\n", st.Version)
	fmt.Fprintf(w, "Latest version: %d\n", st.Latest)
	fmt.Fprintf(w, "Dirty: %v\n", st.Dirty)
	if len(st.Pending) > 0 {
		fmt.Fprintf(w, "Pending: %v\n", st.Pending)
	}
	if st.Dirty {
		fmt.Fprintln(w, "WARNING: a migration failed mid-execution. Inspect the database, then run: migrate force <version>")
	}
	return nil
}

func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: scan migrate <action>

Actions:
  up               Apply all pending migrations
  down             Roll back the most recent migration
  status           Show the current schema version
  force <version>  Set the recorded version without running migrations
  help             Show this message
`)
}
