// Command migrate applies the embedded schema migrations.
package main

import (
	"flag"
	"log"

	"github.com/azizikri/coupon-redeem/internal/config"
	"github.com/azizikri/coupon-redeem/internal/repository"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := repository.RunMigrations(cfg.DSN(), *direction); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}
