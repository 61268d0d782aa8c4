package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"pseudomat.org/internal/config"
	"pseudomat.org/internal/httpapi"
	"pseudomat.org/internal/mail"
	"pseudomat.org/internal/obs"
	"pseudomat.org/internal/registry"
	"pseudomat.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config (default $PSEUDOMAT_CONFIG)")
	listen := pflag.String("listen", "", "HTTP listen address (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	// observability: metrics registry, build info
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store registry.Store
		pgs   *pg.Store
	)
	if cfg.DSN != "" {
		pgs, err = pg.Open(cfg.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgs
	} else {
		log.Println("PSEUDOMAT_PG_DSN not set, using the in-memory store")
		store = registry.NewInMemory()
	}

	var mailer registry.Mailer
	switch cfg.Mail.Provider {
	case config.MailSendGrid:
		mailer = newTrigger(mail.NewSendGrid(cfg.Mail.URL, cfg.Mail.APIKey), cfg.Mail)
	case config.MailLog:
		mailer = newTrigger(mail.LogSender{}, cfg.Mail)
	}

	svc := registry.NewService(store, mailer, registry.Options{
		Secret:          cfg.Mail.Secret,
		RequireVerified: cfg.RequireVerified,
	})
	probe := httpapi.ReadyProbe{Store: svc}
	api := httpapi.New(svc, probe, version,
		httpapi.WithMaxBody(cfg.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var grpcSrv *grpc.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCServer(probe, version)
		health.Register(grpcSrv)
		go health.Run(ctx, 5*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		log.Printf("gRPC health on %s", cfg.GRPCListen)
	}

	log.Printf("Starting pseudomatd %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if pgs != nil {
		_ = pgs.Close()
	}
	log.Println("Stopped")
}

func newTrigger(sender mail.Sender, cfg config.Mail) *mail.Trigger {
	t := mail.NewTrigger(sender, cfg.From, cfg.Secret)
	if cfg.Limit > 0 && cfg.Window > 0 {
		t.Limiter = mail.NewLimiter(cfg.Limit, cfg.Window)
	}
	return t
}
