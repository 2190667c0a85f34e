// Standalone migration runner for deploy pipelines that cannot ship the full
// service binary.
// How to run:
// go run cmd/migrate/main.go
package main

import (
	"log"

	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	gormDB, err := db.New(db.Options{
		Host:       cfg.DBHost,
		User:       cfg.DBUser,
		Password:   cfg.DBPassword,
		DBName:     cfg.DBName,
		Port:       cfg.DBPort,
		SSLEnabled: cfg.DBSSL,
	})
	if err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	defer db.Close(gormDB)

	log.Println("database migrations applied")
}
