package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goldenbook/auctiond/internal/config"
	"github.com/goldenbook/auctiond/internal/db"
	"github.com/goldenbook/auctiond/internal/models"
)

// Seed the database with demo investors and auction rounds
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Skip if rounds already exist
	var count int
	if err := database.Pool.QueryRow(ctx, "SELECT count(*) FROM rounds").Scan(&count); err != nil {
		log.Fatalf("Failed to check rounds: %v", err)
	}
	if count > 0 {
		fmt.Printf("Database already has %d rounds. No need to seed.\n", count)
		os.Exit(0)
	}

	// Demo investors (password: "password")
	for _, name := range []string{"investor1", "investor2", "investor3"} {
		_, err := database.Pool.Exec(ctx,
			"INSERT INTO users (username, password_hash) VALUES ($1, '$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G.') ON CONFLICT (username) DO NOTHING",
			name)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", name, err)
		}
	}

	now := time.Now()
	rounds := []*models.Round{
		{
			ID:            uuid.NewString(),
			OpportunityID: "opp-solar-park-a",
			StartAt:       now,
			EndAt:         now.Add(72 * time.Hour),
			TargetAmount:  1_200_000_000, // 12,000,000.00
			BaseRate:      decimal.RequireFromString("0.065"),
			DeltaMax:      decimal.RequireFromString("0.004"),
			DeltaFloor:    decimal.RequireFromString("0.001"),
			TimeWeight:    decimal.RequireFromString("0.6"),
			CoverWeight:   decimal.RequireFromString("0.4"),
			LotSize:       100_000_00, // 100,000.00
			CapPercent:    decimal.RequireFromString("0.25"),
			EarlyClose:    cfg.Auction.EarlyClose,
			Status:        models.RoundOpen,
		},
		{
			ID:            uuid.NewString(),
			OpportunityID: "opp-logistics-hub-b",
			StartAt:       now.Add(24 * time.Hour),
			EndAt:         now.Add(7 * 24 * time.Hour),
			TargetAmount:  500_000_000,
			BaseRate:      decimal.RequireFromString("0.058"),
			DeltaMax:      decimal.RequireFromString("0.0035"),
			DeltaFloor:    decimal.RequireFromString("0.0005"),
			TimeWeight:    decimal.RequireFromString("0.5"),
			CoverWeight:   decimal.RequireFromString("0.5"),
			LotSize:       50_000_00,
			CapPercent:    decimal.RequireFromString("0.20"),
			EarlyClose:    true,
			Status:        models.RoundPending,
		},
	}

	for _, r := range rounds {
		r.DeltaNow = r.DeltaMax
		if err := database.SaveRound(ctx, r); err != nil {
			log.Fatalf("Failed to create round %s: %v", r.OpportunityID, err)
		}
	}

	fmt.Printf("Successfully seeded %d rounds!\n", len(rounds))
}
