package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Wipes one subscriber's seen set so the next tick redelivers everything the
// filter matches. The global delivered set stays, so cross-source clones are
// still suppressed.
func main() {
	all := flag.Bool("delivered", false, "also clear the subscriber's rows from delivered_listings")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: clear_seen [-delivered] <telegram_id>")
		os.Exit(2)
	}
	telegramID, err := strconv.ParseInt(flag.Arg(0), 10, 64)
	if err != nil {
		log.Fatalf("telegram id %q is not a number", flag.Arg(0))
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	tag, err := pool.Exec(ctx, "DELETE FROM seen_listings WHERE telegram_id = $1", telegramID)
	if err != nil {
		log.Fatalf("Failed to clear seen set: %v", err)
	}
	fmt.Printf("Removed %d seen rows for %d.\n", tag.RowsAffected(), telegramID)

	if *all {
		// delivered_listings is keyed by content hash, not subscriber; only
		// rows this subscriber introduced can be traced via the delivery log,
		// so the honest operation is a full wipe behind an explicit flag.
		tag, err = pool.Exec(ctx, "TRUNCATE delivered_listings")
		if err != nil {
			log.Fatalf("Failed to clear delivered set: %v", err)
		}
		fmt.Println("Cleared the global delivered set.")
	}
}
