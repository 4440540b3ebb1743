// Package main is a repair tool for dirty migration state in the audit
// database. Dirty state occurs when the golang-migrate runner marks a
// migration version as in-progress but the process was interrupted before it
// completed. The tool reads the same configuration as the server, reports the
// recorded version, and forces it clean so the next startup can retry.
//
// Usage:
//
//	fix-migration            clear the dirty flag at the recorded version
//	fix-migration <version>  force a specific version
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	conn, err := db.Connect(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	version, dirty, err := db.MigrationVersion(conn.DB, cfg.Database.Driver)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	target := int(version)
	if len(os.Args) > 1 {
		target, err = strconv.Atoi(os.Args[1])
		if err != nil || target < 0 {
			log.Fatalf("Invalid version %q", os.Args[1])
		}
	} else if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	if err := db.ForceVersion(conn.DB, cfg.Database.Driver, target); err != nil {
		log.Fatalf("Failed to fix migration state: %v", err)
	}

	version, dirty, err = db.MigrationVersion(conn.DB, cfg.Database.Driver)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	fmt.Printf("Final migration state: version=%d, dirty=%v\n", version, dirty)
}
