package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fadedpez/tradevault/pkg/db/migrations"
)

func main() {
	// Define command-line flags
	createCmd := flag.NewFlagSet("create", flag.ExitOnError)
	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)

	// Create command options
	migrationsDir := createCmd.String("dir", "pkg/db/migrations/sql", "Directory holding the per-dialect migration sets")
	createDialect := createCmd.String("storage", "sqlite", "Dialect to add the migration to: sqlite or postgres")

	// Migrate and status share their connection options
	connect := func(fs *flag.FlagSet) func() (*sql.DB, migrations.Dialect) {
		storage := fs.String("storage", "sqlite", "Database backend: sqlite or postgres")
		dbPath := fs.String("db", "data/tradevault.db", "Path to SQLite database")
		url := fs.String("url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
		return func() (*sql.DB, migrations.Dialect) {
			return openDatabase(*storage, *dbPath, *url)
		}
	}
	migrateDB := connect(migrateCmd)
	statusDB := connect(statusCmd)

	// Show usage if no arguments provided
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Parse command
	switch os.Args[1] {
	case "create":
		createCmd.Parse(os.Args[2:])
		if createCmd.NArg() < 1 {
			fmt.Println("Error: Missing migration description")
			createCmd.Usage()
			os.Exit(1)
		}
		createNewMigration(filepath.Join(*migrationsDir, *createDialect), createCmd.Arg(0))

	case "migrate":
		migrateCmd.Parse(os.Args[2:])
		applyMigrations(migrateDB())

	case "status":
		statusCmd.Parse(os.Args[2:])
		printStatus(statusDB())

	case "help":
		printUsage()

	default:
		fmt.Printf("Error: Unknown command '%s'\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  go run ./cmd/migration create DESCRIPTION  - Create a new migration")
	fmt.Println("  go run ./cmd/migration migrate             - Apply pending migrations")
	fmt.Println("  go run ./cmd/migration status              - List migrations and whether they are applied")
	fmt.Println("  go run ./cmd/migration help                - Show this help")
	fmt.Println("\nExamples:")
	fmt.Println("  go run ./cmd/migration create --storage postgres \"add seller ratings\"")
	fmt.Println("  go run ./cmd/migration migrate --db data/tradevault.db")
	fmt.Println("  go run ./cmd/migration status --storage postgres --url postgres://localhost/tradevault")
	fmt.Println("\nNew migrations are embedded at build time, rebuild after adding one.")
}

func openDatabase(storage, dbPath, url string) (*sql.DB, migrations.Dialect) {
	switch storage {
	case "sqlite":
		// Ensure database directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			log.Fatalf("Error creating database directory: %v", err)
		}
		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		return db, migrations.DialectSQLite

	case "postgres":
		if url == "" {
			log.Fatal("Error: --url or DATABASE_URL is required for postgres")
		}
		db, err := sql.Open("pgx", url)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		if err := db.PingContext(context.Background()); err != nil {
			log.Fatalf("Error connecting to database: %v", err)
		}
		return db, migrations.DialectPostgres

	default:
		log.Fatalf("Error: unknown storage %q, expected sqlite or postgres", storage)
		return nil, ""
	}
}

func createNewMigration(dir, description string) {
	filePath, err := migrations.CreateMigration(dir, description)
	if err != nil {
		log.Fatalf("Error creating migration: %v", err)
	}

	fmt.Printf("Created migration file: %s\n", filePath)
	fmt.Println("Edit this file to add your database schema changes, then add the matching file for the other dialect.")
}

func applyMigrations(db *sql.DB, dialect migrations.Dialect) {
	defer db.Close()

	if err := migrations.NewMigrator(db, dialect).MigrateUp(); err != nil {
		log.Fatalf("Error applying migrations: %v", err)
	}

	fmt.Println("Migrations applied successfully!")
}

func printStatus(db *sql.DB, dialect migrations.Dialect) {
	defer db.Close()

	statuses, err := migrations.NewMigrator(db, dialect).Status()
	if err != nil {
		log.Fatalf("Error reading migration status: %v", err)
	}

	for _, st := range statuses {
		mark := "pending"
		if st.Applied {
			mark = "applied"
		}
		fmt.Printf("  %s  %-8s %s\n", st.Version, mark, st.Description)
	}
}
