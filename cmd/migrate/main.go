// Command migrate applies and inspects the SQL migrations under
// migrations/, grounded on the teacher's cmd/migrate CLI.
//
// Usage:
//
//	migrate up           # apply all pending migrations
//	migrate down         # roll back the last migration
//	migrate down-all     # roll back every migration
//	migrate version      # show the current schema version
//	migrate to N         # migrate to a specific version N
//	migrate force N      # force the recorded version to N (fix a dirty state)
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/apex-build/orchestrator/internal/migrate"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("migrate: no .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := migrate.Config{
		DatabaseURL:    requireEnv("DATABASE_URL"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
	}

	runner, err := migrate.NewRunner(config)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	defer runner.Close()

	switch cmd := os.Args[1]; cmd {
	case "up":
		if err := runner.Up(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("migrate: all migrations applied")
	case "down":
		if err := runner.Down(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("migrate: rolled back last migration")
	case "down-all":
		if err := runner.DownAll(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("migrate: rolled back all migrations")
	case "version":
		status, err := runner.Version()
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		fmt.Printf("version: %d  dirty: %v  applied: %v\n", status.Version, status.Dirty, status.Applied)
	case "to":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate to <version>")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			log.Fatalf("migrate: invalid version %q", os.Args[2])
		}
		if err := runner.To(uint(version)); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Printf("migrate: now at version %d", version)
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("migrate: invalid version %q", os.Args[2])
		}
		if err := runner.Force(version); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Printf("migrate: forced version to %d", version)
	case "help":
		printUsage()
	default:
		log.Printf("migrate: unknown command %q", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`migrate <command> [arguments]

Commands:
  up              apply all pending migrations
  down            roll back the last migration
  down-all        roll back all migrations (deletes all data)
  version         show the current schema version
  to <N>          migrate to a specific version N
  force <N>       force the recorded version to N (fix a dirty state)
  help            show this help message

Environment:
  DATABASE_URL     PostgreSQL connection string (required)
  MIGRATIONS_PATH  path to the migrations directory (default: migrations)
`)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("migrate: %s is required", key)
	}
	return v
}
