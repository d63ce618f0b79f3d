// Command migrate manages the HiveMind database schema using the embedded
// migration set.
//
// Usage:
//
//	migrate -dsn postgres://... up
//	migrate -dsn postgres://... down
//	migrate -dsn postgres://... version
//	migrate -dsn postgres://... force -version 3
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/hivemind-io/hivemind/pkg/database"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres connection string")
	version := flag.Int("version", -1, "Target version for the force command")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}
	if *dsn == "" {
		log.Fatal("a database DSN is required: pass -dsn or set DATABASE_URL")
	}

	migrator, err := database.NewMigrator(*dsn)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer func() { _ = migrator.Close() }()

	switch command {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatalf("up failed: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatalf("down failed: %v", err)
		}
		fmt.Println("rolled back one migration")
	case "version":
		current, dirty, err := migrator.Version()
		if err != nil {
			log.Fatalf("version failed: %v", err)
		}
		fmt.Printf("version %d dirty=%v\n", current, dirty)
	case "force":
		if *version < 0 {
			log.Fatal("force requires -version")
		}
		if err := migrator.Force(*version); err != nil {
			log.Fatalf("force failed: %v", err)
		}
		fmt.Printf("forced version %d\n", *version)
	default:
		log.Fatalf("unknown command %q: want up, down, version or force", command)
	}
}
