// pseudomat is the command line client: it keeps project, invite and
// membership keys in a local database and registers the public halves with
// a pseudomat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"pseudomat.org/internal/config"
	"pseudomat.org/internal/identity"
	"pseudomat.org/internal/registry/remote"
	"pseudomat.org/internal/workflow"
)

const usage = `usage: pseudomat [global flags] COMMAND SUBCOMMAND [args]

Commands:
  project create EMAIL NAME [--no-default]
  project list
  project show [--project P]
  project default NAME
  project delete [--project P]
  project verify [--project P] CODE
  invite create NAME [--project P]
  invite list [--project P]
  invite state NAME [--project P]
  invite revoke NAME [--project P]
  invite delete NAME [--project P]
  invite accept TOKEN
  member list [--project P]
  config show

Global flags:
`

type app struct {
	cfg   config.Client
	store *identity.Store
	wf    *workflow.Workflow
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("pseudomat: ")

	global := pflag.NewFlagSet("pseudomat", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.String("config", "", "client config file (default "+config.ClientConfigPath()+")")
	server := global.String("server", "", "server URL (overrides config)")
	dbPath := global.String("db", "", "local database path (overrides config)")
	global.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	args := global.Args()
	if len(args) < 2 && !(len(args) == 1 && args[0] == "help") {
		global.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, args); err != nil {
		stop()
		log.Fatal(describe(err))
	}
}

func run(ctx context.Context, cfg config.Client, args []string) error {
	if args[0] == "help" {
		fmt.Print(usage)
		return nil
	}
	if args[0] == "config" && args[1] == "show" {
		fmt.Printf("server:   %s\ndatabase: %s\ntimeout:  %s\n", cfg.Server, cfg.Database, cfg.Timeout)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o700); err != nil {
		return err
	}
	store, err := identity.Open(identity.Config{Path: cfg.Database})
	if err != nil {
		return err
	}
	defer store.Close()
	client, err := remote.New(cfg.Server, remote.WithTimeout(cfg.Timeout))
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, store: store, wf: workflow.New(store, client)}

	cmd, ok := commands[args[0]+" "+args[1]]
	if !ok {
		return fmt.Errorf("unknown command %q", strings.Join(args[:2], " "))
	}
	return cmd(ctx, a, args[2:])
}

// describe turns errors into the message shown to the user.
func describe(err error) string {
	var rb *workflow.RollbackError
	if errors.As(err, &rb) {
		return fmt.Sprintf("%v\nThe local database may hold a record the server doesn’t know about.", err)
	}
	switch {
	case errors.Is(err, workflow.ErrNoDefault):
		return "No default project. Specify a project with --project."
	case errors.Is(err, workflow.ErrProjectExists):
		return "A project with that name already exists."
	case errors.Is(err, workflow.ErrInviteExists):
		return "An invite with that name already exists."
	case errors.Is(err, workflow.ErrNotOwner):
		return fmt.Sprintf("You’re not the owner of this project (%v).", err)
	case errors.Is(err, workflow.ErrInviteRevoked):
		return "This invite has been revoked."
	}
	return err.Error()
}
