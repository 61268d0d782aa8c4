package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"pseudomat.org/internal/identity"
	"pseudomat.org/internal/registry/remote"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"project create":  projectCreate,
	"project list":    projectList,
	"project show":    projectShow,
	"project default": projectDefault,
	"project delete":  projectDelete,
	"project verify":  projectVerify,
	"invite create":   inviteCreate,
	"invite list":     inviteList,
	"invite state":    inviteState,
	"invite revoke":   inviteRevoke,
	"invite delete":   inviteDelete,
	"invite accept":   inviteAccept,
	"member list":     memberList,
}

// parse parses a subcommand's flags and checks the positional count.
func parse(name string, args []string, positional []string, setup func(*pflag.FlagSet)) ([]string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if setup != nil {
		setup(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: pseudomat %s", name)
		for _, p := range positional {
			fmt.Fprintf(os.Stderr, " %s", p)
		}
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != len(positional) {
		fs.Usage()
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", name, len(positional), fs.NArg())
	}
	return fs.Args(), nil
}

func projectFlag(dst *string) func(*pflag.FlagSet) {
	return func(fs *pflag.FlagSet) {
		fs.StringVarP(dst, "project", "p", "", "project name or id (default: the default project)")
	}
}

func projectCreate(ctx context.Context, a *app, args []string) error {
	noDefault := false
	pos, err := parse("project create", args, []string{"EMAIL", "NAME"}, func(fs *pflag.FlagSet) {
		fs.BoolVar(&noDefault, "no-default", false, "don’t make the new project the default project")
	})
	if err != nil {
		return err
	}
	p, outcome, err := a.wf.CreateProject(ctx, pos[0], pos[1], !noDefault)
	if err != nil {
		return err
	}
	if outcome == remote.OutcomeAlreadyRegistered {
		fmt.Fprintln(os.Stderr, "Project was already registered.")
	}
	fmt.Println(p.ID)
	return nil
}

func projectList(ctx context.Context, a *app, args []string) error {
	if _, err := parse("project list", args, nil, nil); err != nil {
		return err
	}
	views, err := a.wf.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, v := range views {
		fmt.Println(v)
	}
	return nil
}

func projectShow(ctx context.Context, a *app, args []string) error {
	var ref string
	if _, err := parse("project show", args, nil, projectFlag(&ref)); err != nil {
		return err
	}
	p, err := a.wf.Project(ctx, ref)
	if err != nil {
		return err
	}
	role := "member"
	if p.IsOwner() {
		role = "owner"
	}
	fmt.Printf("id:      %s\nname:    %s\nissuer:  %s\nrole:    %s\ntoken:   %s\n", p.ID, p.Subject, p.Issuer, role, p.Token)
	return nil
}

func projectDefault(ctx context.Context, a *app, args []string) error {
	pos, err := parse("project default", args, []string{"NAME"}, nil)
	if err != nil {
		return err
	}
	p, err := a.wf.SetDefault(ctx, pos[0])
	if err != nil {
		return err
	}
	fmt.Println(p.ID)
	return nil
}

func projectDelete(ctx context.Context, a *app, args []string) error {
	var ref string
	if _, err := parse("project delete", args, nil, projectFlag(&ref)); err != nil {
		return err
	}
	_, err := a.wf.DeleteProject(ctx, ref)
	return err
}

func projectVerify(ctx context.Context, a *app, args []string) error {
	var ref string
	pos, err := parse("project verify", args, []string{"CODE"}, projectFlag(&ref))
	if err != nil {
		return err
	}
	p, err := a.wf.VerifyProject(ctx, ref, pos[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Project '%s' verified.\n", p.Subject)
	return nil
}

func inviteCreate(ctx context.Context, a *app, args []string) error {
	var ref string
	pos, err := parse("invite create", args, []string{"NAME"}, projectFlag(&ref))
	if err != nil {
		return err
	}
	inv, err := a.wf.CreateInvite(ctx, ref, pos[0])
	if err != nil {
		return err
	}
	fmt.Println(inv.SecretToken)
	return nil
}

func inviteList(ctx context.Context, a *app, args []string) error {
	var ref string
	if _, err := parse("invite list", args, nil, projectFlag(&ref)); err != nil {
		return err
	}
	invites, err := a.wf.ListInvites(ctx, ref)
	if err != nil {
		return err
	}
	for _, inv := range invites {
		mark := ' '
		if inv.Revoked() {
			mark = 'R'
		}
		fmt.Printf("%c %s %s\n", mark, inv.ID, inv.Subject)
	}
	return nil
}

func inviteState(ctx context.Context, a *app, args []string) error {
	var ref string
	pos, err := parse("invite state", args, []string{"NAME"}, projectFlag(&ref))
	if err != nil {
		return err
	}
	state, err := a.wf.MemberState(ctx, ref, pos[0])
	if err != nil {
		return err
	}
	fmt.Println(state)
	return nil
}

func inviteRevoke(ctx context.Context, a *app, args []string) error {
	var ref string
	pos, err := parse("invite revoke", args, []string{"NAME"}, projectFlag(&ref))
	if err != nil {
		return err
	}
	_, err = a.wf.RevokeInvite(ctx, ref, pos[0])
	return err
}

func inviteDelete(ctx context.Context, a *app, args []string) error {
	var ref string
	pos, err := parse("invite delete", args, []string{"NAME"}, projectFlag(&ref))
	if err != nil {
		return err
	}
	_, err = a.wf.DeleteInvite(ctx, ref, pos[0])
	return err
}

func inviteAccept(ctx context.Context, a *app, args []string) error {
	pos, err := parse("invite accept", args, []string{"TOKEN"}, nil)
	if err != nil {
		return err
	}
	m, err := a.wf.AcceptInvite(ctx, pos[0])
	if err != nil {
		return err
	}
	p, err := a.store.GetProject(ctx, m.ProjectID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return err
	}
	fmt.Fprintf(os.Stderr, "Joined project '%s' as %s.\n", p.Subject, m.Subject)
	fmt.Println(m.ProjectID)
	return nil
}

func memberList(ctx context.Context, a *app, args []string) error {
	var ref string
	if _, err := parse("member list", args, nil, projectFlag(&ref)); err != nil {
		return err
	}
	ms, err := a.wf.Memberships(ctx, ref)
	if err != nil {
		return err
	}
	for _, m := range ms {
		fmt.Printf("%s %s\n", m.ID, m.Subject)
	}
	return nil
}
