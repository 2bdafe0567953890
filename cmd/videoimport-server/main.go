package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buzzler/videoimport"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = 10 * time.Minute
	staleTaskAge    = 6 * time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := videoimport.LoadConfig(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading configuration:", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.HTTPAddress, "http-address", cfg.HTTPAddress, "Address to serve the HTTP API on. Example: unix:///run/videoimport/http.sock or tcp://127.0.0.1:8000. Default: [HTTP_ADDRESS]")
	flag.StringVar(&cfg.GRPCAddress, "grpc-address", cfg.GRPCAddress, "Address to serve the gRPC API on, empty to disable. Default: [GRPC_ADDRESS]")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error. Default: [LOG_LEVEL]")
	flag.Parse()

	setupLogging(cfg)

	httpL, err := getListener(cfg.HTTPAddress)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error setting up HTTP address:", err)
		os.Exit(1)
	}

	var grpcL net.Listener
	if cfg.GRPCAddress != "" {
		grpcL, err = getListener(cfg.GRPCAddress)
		if err != nil {
			httpL.Close()
			fmt.Fprintln(os.Stderr, "error setting up gRPC address:", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, httpL, grpcL); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(2)
	}
}

func setupLogging(cfg *videoimport.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func getListener(s string) (net.Listener, error) {
	proto, addr, ok := strings.Cut(s, "://")
	if !ok {
		return nil, fmt.Errorf("invalid addr format %q, must be in the form <proto>://<address>", s)
	}
	return net.Listen(proto, addr)
}

// openProgressStore uses redis unless REDIS_URL is "memory".
func openProgressStore(cfg *videoimport.Config) (videoimport.ProgressStore, videoimport.ReadinessCheck, func() error, error) {
	if cfg.RedisURL == videoimport.MemoryProgressURL {
		slog.Warn("progress is kept in memory and lost on restart")
		s := videoimport.NewMemoryProgressStore(cfg.ProgressTTL)
		return s, s, func() error { return nil }, nil
	}

	rdb, err := videoimport.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	s := videoimport.NewRedisProgressStore(rdb, cfg.ProgressTTL)
	return s, s, rdb.Close, nil
}

func run(ctx context.Context, cfg *videoimport.Config, httpL, grpcL net.Listener) error {
	defer httpL.Close()

	azClient, err := videoimport.NewAzBlobClient(cfg.AzureBlobConfig())
	if err != nil {
		return err
	}
	store := videoimport.NewAzBlobStore(azClient, cfg.AzureContainer, cfg.AzureBlobPrefix)

	progress, progressCheck, closeProgress, err := openProgressStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeProgress(); err != nil {
			slog.Warn("failed to close progress store", "error", err)
		}
	}()

	relay := videoimport.NewRelay(store,
		videoimport.WithChunkSize(cfg.ChunkSize),
		videoimport.WithSource(videoimport.YtdlpSource(cfg.YtdlpPath)),
	)
	governor := videoimport.NewGovernor(relay, cfg.GovernorConfig())

	extractor := videoimport.NewExtractor()
	extractor.Path = cfg.YtdlpPath

	importer := videoimport.NewImporter(extractor, governor, store, progress, cfg.ImporterConfig())

	httpSrv := &http.Server{
		Handler:           videoimport.NewHTTPServer(importer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("Listening", "proto", "http", "addr", httpL.Addr().String())
		if err := httpSrv.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var gsrv *grpc.Server
	if grpcL != nil {
		defer grpcL.Close()

		srv := videoimport.NewImportServer(store, progress)
		gsrv = grpc.NewServer()
		videoimport.RegisterImportServer(gsrv, srv)

		eg.Go(func() error {
			srv.WatchReadiness(ctx, 0, store, progressCheck)
			return nil
		})
		eg.Go(func() error {
			slog.Info("Listening", "proto", "grpc", "addr", grpcL.Addr().String())
			return gsrv.Serve(grpcL)
		})
	}

	eg.Go(func() error {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := governor.PurgeStale(staleTaskAge); n > 0 {
					slog.Warn("purged stale upload tasks", "count", n)
				}
			}
		}
	})

	eg.Go(func() error {
		<-ctx.Done()
		return shutdown(httpSrv, gsrv, importer)
	})

	return eg.Wait()
}

// shutdown stops the listeners first so no new imports arrive, then gives running
// imports until the timeout to finish before they are cancelled.
func shutdown(httpSrv *http.Server, gsrv *grpc.Server, importer *videoimport.Importer) error {
	slog.Info("starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}

	if gsrv != nil {
		done := make(chan struct{})
		go func() {
			gsrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			gsrv.Stop()
		}
	}

	if err := importer.Shutdown(ctx); err != nil {
		slog.Warn("cancelled running imports", "error", err)
	}
	return nil
}
