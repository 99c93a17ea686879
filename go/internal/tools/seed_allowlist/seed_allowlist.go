package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clowbot/clowbot/go/internal/dbconfig"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
	"github.com/clowbot/clowbot/go/internal/policy"
)

// seedNamespace derives stable document ids, so re-running with an unchanged
// file inserts nothing.
var seedNamespace = uuid.MustParse("8f0e4a52-2f3b-4c55-9a61-5d0c6b1f7e21")

func main() {
	path := "go/internal/assets/allowlists.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	// 1) Load tenant allowlists keyed by tenant id
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var tenants map[string]payload.Allowlist
	if err := json.Unmarshal(data, &tenants); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	if cfg.Driver != "postgres" {
		fmt.Fprintf(os.Stderr, "seed_allowlist needs postgres, DB_DRIVER is %q\n", cfg.Driver)
		os.Exit(1)
	}
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// 3) Insert one policy document per tenant and count
	var (
		total    = len(ids)
		inserted int
		skipped  int
		errs     int
	)
	now := time.Now().UTC()
	for _, tenantID := range ids {
		allow := payload.Merge(tenants[tenantID], payload.Allowlist{})
		meta, err := json.Marshal(map[string]any{"allowlist": allow, "source": "seed"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error encoding allowlist for %s: %v\n", tenantID, err)
			errs++
			continue
		}
		docID := uuid.NewSHA1(seedNamespace, append([]byte(tenantID+"\x00"), meta...))

		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO documents (
              id, tenant_id, domain, doc_type, title, metadata, created_at
            ) VALUES (
              $1,$2,$3,$4,$5,$6,$7
            )
            ON CONFLICT (id) DO NOTHING
        `,
			docID, tenantID, policy.DocumentDomain, policy.DocumentType, "Policy allowlist", meta, now,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting allowlist for %s: %v\n", tenantID, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Allowlist seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
}
