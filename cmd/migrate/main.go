package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"pseudomat.org/internal/migrate"
	"pseudomat.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = pflag.String("dsn", os.Getenv("PSEUDOMAT_PG_DSN"), "PostgreSQL DSN")
		table = pflag.String("table", "", "migrations bookkeeping table (default schema_migrations)")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or PSEUDOMAT_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, pg.Migrations(), migrate.WithMigrationsTable(*table))

	var lines []string
	switch pflag.Arg(0) {
	case "up":
		lines, err = mgr.Up(ctx)
		if err == nil && len(lines) == 0 {
			lines = []string{"nothing to apply"}
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			lines = []string{"reverted " + name}
		}
	case "status":
		lines, err = mgr.Status(ctx)
	case "pending":
		lines, err = mgr.Pending(ctx)
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}
