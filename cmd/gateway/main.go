package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sentra.dev/internal/config"
	"sentra.dev/internal/httpapi"
	"sentra.dev/internal/identity"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/revoke"
	"sentra.dev/internal/session"
)

var (
	version = "0.3.0"
	commit  = "unknown"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	revocations, err := revoke.NewRedisStore(ctx, revoke.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cancel()
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	issuer, err := session.NewTokenIssuer(cfg.AccessSecret, cfg.RefreshSecret,
		session.WithAccessTTL(cfg.AccessTTL()),
		session.WithRefreshTTL(cfg.RefreshTTL()),
		session.WithIssuer(cfg.Issuer),
	)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	users := identity.NewPGStore(db)
	sessions := session.NewService(users, revocations, issuer,
		session.WithCallTimeout(cfg.CallTimeout))

	api := httpapi.New(sessions, httpapi.ReadyProbe{DB: db, Revocations: revocations}, httpapi.Options{
		InternalTrustHeader: cfg.InternalTrustHeader,
		InternalTrustSecret: cfg.InternalTrustSecret,
		Version:             version,
	})

	handler := httpapi.RequestID(
		httpapi.SecurityHeaders(
			httpapi.RateLimit(
				httpapi.MaxBodyBytes(
					httpapi.LoggingJSON(api.Handler()),
					1<<20,
				),
				20, 10,
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC listener for trusted sibling services: health plus the internal
	// trust gate shared with the /internal HTTP routes.
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(
		httpapi.InternalTrustUnaryInterceptor(cfg.InternalTrustHeader, cfg.InternalTrustSecret),
	))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	log.Printf("Starting sentra gateway %s on %s (grpc %s)", version, srv.Addr, cfg.GRPCListenAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	_ = revocations.Close()
	_ = db.Close()
	log.Println("Stopped")
}
