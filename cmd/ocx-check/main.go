package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/gpufabric/internal/config"
)

// Component is one pre-flight dependency check.
type Component struct {
	Name string
	Test func(cfg *config.Config) error
}

func main() {
	fmt.Println("GPU Fabric Broker - Pre-Flight Diagnostic")
	fmt.Println("---------------------------------------------------------")

	cfg := config.Get()
	components := []Component{
		{"Worker listener port", checkWorkerPort},
		{"HTTP gateway port", checkGatewayPort},
		{"Heartbeat store (Postgres/Spanner)", checkHeartbeatStore},
		{"Model catalog (Supabase)", checkModelCatalog},
		{"Worker auth secret", checkAuthSecret},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-35s ", c.Name+"...")
		if err := c.Test(cfg); err != nil {
			fmt.Println("[FAIL]")
			fmt.Printf("  >> %v\n", err)
			failed++
		} else {
			fmt.Println("[OK]")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed == 0 {
		fmt.Println("Status: ready to accept worker connections.")
	} else {
		fmt.Printf("Status: %d check(s) failed, see above.\n", failed)
	}
}

func checkWorkerPort(cfg *config.Config) error {
	addr := ":9100"
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker listen addr %s unavailable: %w", addr, err)
	}
	return l.Close()
}

func checkGatewayPort(cfg *config.Config) error {
	addr := cfg.Server.Interface + ":" + cfg.Server.Port
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway addr %s unavailable: %w", addr, err)
	}
	return l.Close()
}

func checkHeartbeatStore(cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func checkModelCatalog(cfg *config.Config) error {
	if cfg.Database.Supabase.URL == "" {
		return fmt.Errorf("SUPABASE_URL not set")
	}
	return nil
}

func checkAuthSecret(cfg *config.Config) error {
	if cfg.Handshake.AuthMode == "hmac" && cfg.Handshake.SharedSecret == "" {
		return fmt.Errorf("SHARED_SECRET required for hmac auth mode")
	}
	return nil
}
