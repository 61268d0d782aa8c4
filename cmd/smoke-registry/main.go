package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/registry/remote"
	"pseudomat.org/internal/token"
)

func main() {
	addr := os.Getenv("PSEUDOMAT_SERVER")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	client, err := remote.New(addr, remote.WithTimeout(5*time.Second))
	if err != nil {
		log.Fatalf("client for %s: %v", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pair, err := keys.Generate()
	if err != nil {
		log.Fatalf("generate keys: %v", err)
	}
	pub := pair.Public()
	subject := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	tok, err := token.Sign(token.Claims{
		Issuer:    "smoke@pseudomat.org",
		Subject:   subject,
		PublicSig: pub.Sig,
		PublicEnc: pub.Enc,
	}, token.TypeProject, pair.Sig)
	if err != nil {
		log.Fatalf("sign project: %v", err)
	}
	id := canon.MustFingerprint(subject)

	if outcome, err := client.RegisterProject(ctx, tok); err != nil || outcome != remote.OutcomeCreated {
		log.Fatalf("register: outcome=%v err=%v", outcome, err)
	}
	if outcome, err := client.RegisterProject(ctx, tok); err != nil || outcome != remote.OutcomeAlreadyRegistered {
		log.Fatalf("replay: outcome=%v err=%v", outcome, err)
	}
	if got, err := client.FetchProject(ctx, id); err != nil || got != tok {
		log.Fatalf("fetch: err=%v", err)
	}

	var rerr *remote.Error
	if err := client.DeleteProject(ctx, id, ""); !errors.As(err, &rerr) || rerr.Status != http.StatusUnauthorized {
		log.Fatalf("delete without proof: expected 401, got %v", err)
	}
	bearer, err := auth.SignIntent(auth.DeleteIntent("/"+id), pair.Sig)
	if err != nil {
		log.Fatalf("sign intent: %v", err)
	}
	if err := client.DeleteProject(ctx, id, bearer); err != nil {
		log.Fatalf("delete: %v", err)
	}
	if _, err := client.FetchProject(ctx, id); !errors.Is(err, remote.ErrNotFound) {
		log.Fatalf("fetch after delete: expected 404, got %v", err)
	}

	fmt.Printf("✅ registry smoke test passed: project=%s\n", id)
}
