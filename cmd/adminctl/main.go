package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"certledger.org/internal/auth"
)

// adminctl bootstraps and inspects admin accounts directly against the
// database. Account management is deliberately absent from the HTTP API.
func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("CERTLEDGER_PG_DSN"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CERTLEDGER_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := auth.NewPGStore(db)

	switch flag.Arg(0) {
	case "create":
		create(ctx, store, flag.Args()[1:])
	case "list":
		list(ctx, store)
	case "set-password":
		setPassword(ctx, store, flag.Args()[1:])
	default:
		usage()
	}
}

func usage() {
	log.Fatal(`usage: adminctl [-dsn ...] <command>

commands:
  create -username <name> -password <pw> [-role superadmin|manager|viewer]
  list
  set-password -username <name> -password <pw>`)
}

func create(ctx context.Context, store auth.Store, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	username := fs.String("username", "", "Account username")
	password := fs.String("password", "", "Initial password")
	role := fs.String("role", string(auth.RoleManager), "Account role")
	_ = fs.Parse(args)

	svc := auth.NewService(store, nil, nil)
	account, err := svc.CreateAccount(ctx, *username, *password, auth.Role(*role), nil)
	if err != nil {
		log.Fatalf("create account: %v", err)
	}
	fmt.Printf("created %s (%s) id=%s\n", account.Username, account.Role, account.ID)
}

func list(ctx context.Context, store auth.Store) {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		log.Fatalf("list accounts: %v", err)
	}
	for _, a := range accounts {
		state := "active"
		if !a.Active {
			state = "disabled"
		}
		fmt.Printf("%-20s %-10s %-8s perms=%s\n",
			a.Username, a.Role, state, strings.Join(a.Permissions, ","))
	}
}

func setPassword(ctx context.Context, store auth.Store, args []string) {
	fs := flag.NewFlagSet("set-password", flag.ExitOnError)
	username := fs.String("username", "", "Account username")
	password := fs.String("password", "", "New password")
	_ = fs.Parse(args)

	if err := auth.ValidatePasswordPolicy(*password); err != nil {
		log.Fatalf("password policy: %v", err)
	}
	account, err := store.FindByUsername(ctx, *username)
	if err != nil {
		log.Fatalf("find account: %v", err)
	}
	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	if err := store.UpdatePassword(ctx, account.ID, hash, time.Now().UTC()); err != nil {
		log.Fatalf("update password: %v", err)
	}
	// Old sessions must not survive an out-of-band password reset.
	if err := store.RevokeAccountTokens(ctx, account.ID); err != nil {
		log.Fatalf("revoke tokens: %v", err)
	}
	fmt.Printf("password updated for %s\n", account.Username)
}
