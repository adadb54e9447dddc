// Command apikeys manages togglr API keys directly against the database.
// The API itself authenticates with these keys, so the first key of an
// environment has to be provisioned out of band.
//
// Usage:
//
//	apikeys create -env <environment> [-name <name>]
//	apikeys list -env <environment>
//	apikeys revoke -env <environment> -id <key id>
//
// DATABASE_URL must point at the togglr database. The raw secret is printed
// exactly once at creation and cannot be recovered afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/togglr/togglr/internal/repository"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "apikeys:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command: want create, list, or revoke")
	}
	command, args := args[0], args[1:]

	fs := flag.NewFlagSet("apikeys "+command, flag.ContinueOnError)
	environment := fs.String("env", "", "environment the key belongs to")
	name := fs.String("name", "", "display name for the key (create only)")
	keyID := fs.String("id", "", "key id (revoke only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *environment == "" {
		return fmt.Errorf("-env is required")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	repo := repository.NewPostgresRepository(pool)

	switch command {
	case "create":
		return createKey(ctx, repo, *environment, *name)
	case "list":
		return listKeys(ctx, repo, *environment)
	case "revoke":
		if *keyID == "" {
			return fmt.Errorf("-id is required")
		}
		return revokeKey(ctx, repo, *environment, *keyID)
	default:
		return fmt.Errorf("unknown command %q: want create, list, or revoke", command)
	}
}

func createKey(ctx context.Context, repo *repository.PostgresRepository, environmentID, name string) error {
	keyID, secret, err := repo.CreateAPIKey(ctx, environmentID, name)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	// The bearer token format the server expects is "<id>.<secret>".
	fmt.Printf("id:    %s\n", keyID)
	fmt.Printf("token: %s.%s\n", keyID, secret)
	fmt.Println("store the token now; the secret is not retrievable later")
	return nil
}

func listKeys(ctx context.Context, repo *repository.PostgresRepository, environmentID string) error {
	keys, err := repo.ListAPIKeys(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func revokeKey(ctx context.Context, repo *repository.PostgresRepository, environmentID, keyID string) error {
	if err := repo.DeleteAPIKey(ctx, environmentID, keyID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	fmt.Printf("revoked %s\n", keyID)
	return nil
}
