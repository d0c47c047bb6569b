// Command createadmin seeds an admin account so the first operator can
// sign in through POST /admin/login.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/config"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/azizikri/coupon-redeem/internal/security"
	"github.com/azizikri/coupon-redeem/internal/usecase"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	email := flag.String("email", "", "admin email")
	password := flag.String("password", "", "admin password, at least 6 characters")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	admins := usecase.NewAdminService(repository.New(pool), security.NewHasher(cfg.BcryptCost), audit.Nop{})
	u, err := admins.CreateAdmin(ctx, *email, *password)
	if errors.Is(err, domain.ErrDuplicateAdmin) {
		log.Printf("Admin %s already exists", *email)
		return
	}
	if err != nil {
		log.Fatalf("Failed to create admin: %v", err)
	}
	fmt.Printf("Created admin %s (%s)\n", u.Email, u.ID)
}
