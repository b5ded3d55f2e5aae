// Command migrate applies the gateway schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/developer-mesh/llm-gateway/internal/config"
)

var (
	upFlag      = flag.Bool("up", false, "Apply all pending migrations")
	downFlag    = flag.Bool("down", false, "Roll back the last migration")
	versionFlag = flag.Bool("version", false, "Show the current schema version")
	forceFlag   = flag.Int("force", -1, "Force the schema version without running migrations")

	dsn           = flag.String("dsn", "", "Database connection string (defaults to the gateway configuration)")
	migrationsDir = flag.String("dir", "migrations", "Migrations directory")
	configPath    = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	connStr := *dsn
	if connStr == "" {
		var cfg *config.Config
		var err error
		if *configPath != "" {
			cfg, err = config.LoadFromFile(*configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		connStr = cfg.RelationalStore.DSN()
	}

	m, err := migrate.New("file://"+*migrationsDir, connStr)
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Printf("Close error: source=%v database=%v", srcErr, dbErr)
		}
	}()

	switch {
	case *upFlag:
		err = m.Up()
	case *downFlag:
		err = m.Steps(-1)
	case *forceFlag >= 0:
		err = m.Force(*forceFlag)
	case *versionFlag:
		version, dirty, verErr := m.Version()
		if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
			log.Fatalf("Failed to read version: %v", verErr)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations complete")
}
