// Command keygen mints API keys for agents and reviewers. The plaintext key
// is printed exactly once; only its hash is stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/hivemind-io/hivemind/pkg/auth"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres connection string")
	tenant := flag.String("tenant", "", "Tenant the key belongs to (required)")
	agent := flag.String("agent", "", "Agent identity bound to the key")
	name := flag.String("name", "", "Human-readable key name")
	tier := flag.String("tier", auth.TierStandard, "Key tier: standard or operator")
	expiry := flag.Duration("expiry", 0, "Key lifetime, e.g. 720h; zero means no expiry")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("a database DSN is required: pass -dsn or set DATABASE_URL")
	}
	if *tenant == "" {
		log.Fatal("-tenant is required")
	}
	if *tier != auth.TierStandard && *tier != auth.TierOperator {
		log.Fatalf("unknown tier %q: want %s or %s", *tier, auth.TierStandard, auth.TierOperator)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", *dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	var expiresAt *time.Time
	if *expiry > 0 {
		at := time.Now().UTC().Add(*expiry)
		expiresAt = &at
	}

	svc := auth.NewService(auth.ServiceConfig{}, db, nil, observability.NewNoopLogger())
	minted, err := svc.MintKey(ctx, *tenant, *agent, *name, *tier, expiresAt)
	if err != nil {
		log.Fatalf("failed to mint key: %v", err)
	}

	fmt.Printf("key id:     %s\n", minted.ID)
	fmt.Printf("tenant:     %s\n", minted.TenantID)
	if minted.AgentID != nil {
		fmt.Printf("agent:      %s\n", *minted.AgentID)
	}
	fmt.Printf("tier:       %s\n", minted.Tier)
	if minted.ExpiresAt != nil {
		fmt.Printf("expires at: %s\n", minted.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("API key (shown once, store it now):")
	fmt.Println(minted.Plaintext)
}
