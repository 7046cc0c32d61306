package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docvec/internal/api"
	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/config"
	"github.com/kalambet/docvec/internal/document"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/imagepipe"
	"github.com/kalambet/docvec/internal/ollama"
	"github.com/kalambet/docvec/internal/orchestrator"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docvec HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve MCP tools over stdio for clients that launch docvec as a subprocess.
Logs go to stderr; stdout carries the protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStdioMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docvec server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// setupLogging installs the default slog logger described by cfg.
func setupLogging(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

const cachePurgeInterval = 10 * time.Minute

// app is the wired service graph shared by the HTTP and stdio front ends.
type app struct {
	deps    api.Deps
	images  *imagepipe.Pipeline
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource failed", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	var blobs blob.Store
	switch cfg.Blob.Backend {
	case "minio":
		blobs, err = blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
	default:
		blobs, err = blob.NewFSStore(cfg.BlobDir())
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s blob store: %w", cfg.Blob.Backend, err)
	}

	var cs cache.Store
	switch cfg.Cache.Backend {
	case "memory":
		cs = cache.NewMemoryStore()
	case "redis":
		rs, err := cache.NewRedisStore(ctx, cfg.Cache.RedisURL, "docvec:")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		cs = rs
	default:
		ss := cache.NewSQLiteStore(store)
		go ss.RunPurge(ctx, cachePurgeInterval)
		cs = ss
	}

	if slices.Contains(cfg.Embedders.Enabled, embedder.ProviderOllama) {
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.URL), cfg.Ollama.Models, os.Stderr); err != nil {
			return nil, err
		}
	}
	embedders, err := embedder.Build(cfg.EmbedderSettings())
	if err != nil {
		return nil, fmt.Errorf("configuring embedders: %w", err)
	}

	vs := cfg.VectorDbSettings()
	vs.DB = store.DB()
	vectors, err := vectordb.Build(vs)
	if err != nil {
		return nil, fmt.Errorf("configuring vector databases: %w", err)
	}

	docs := document.NewService(store, blobs)
	a.images = imagepipe.New(store, blobs, imagepipe.Options{
		Workers:     cfg.Images.Workers,
		Poll:        cfg.Images.QueuePoll,
		MaxAttempts: cfg.Images.MaxAttempts,
	})
	docs.OnUpload(a.images)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Documents: docs,
		Blobs:     blobs,
		Cache:     cache.New(cs, cfg.Cache.TTL),
		Embedders: embedders,
		Vectors:   vectors,
	}, orchestrator.Options{
		MaxAttempts:      cfg.Orchestrator.MaxAttempts,
		Backoff:          cfg.Orchestrator.Backoff,
		BatchSize:        cfg.Orchestrator.BatchSize,
		EmbedConcurrency: cfg.Orchestrator.EmbedConcurrency,
		BatchJobs:        cfg.Orchestrator.BatchJobs,
	})

	if res, err := orch.SyncCollections(ctx); err != nil {
		slog.Warn("collection sync failed", "error", err)
	} else if len(res.Removed) > 0 || len(res.Unmanaged) > 0 {
		slog.Info("collections synced", "removed", len(res.Removed), "unmanaged", res.Unmanaged)
	}

	a.deps = api.Deps{
		Store:        store,
		Documents:    docs,
		Orchestrator: orch,
		Images:       a.images,
		Blobs:        blobs,
		Token:        cfg.Server.APIToken,
	}
	ok = true
	return a, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docvec version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, os.Stderr)
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; the API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		if err := a.images.Run(ctx); err != nil {
			slog.Error("image pipeline stopped", "error", err)
		}
	}()

	deps := a.deps
	if cfg.Server.MCPEnabled {
		deps.MCP = server.NewStreamableHTTPServer(api.NewMCPServer(a.deps, version))
		slog.Info("MCP server started (streamable HTTP at /mcp)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("docvec listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runStdioMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		if err := a.images.Run(ctx); err != nil {
			slog.Error("image pipeline stopped", "error", err)
		}
	}()

	stdioSrv := server.NewStdioServer(api.NewMCPServer(a.deps, version))
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if slices.Contains(cfg.Embedders.Enabled, embedder.ProviderOllama) {
		if ollama.New(cfg.Ollama.URL).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.URL)
		} else {
			printStatus("Ollama", "not running")
		}
	}
	printStatus("Embedders", "%s", strings.Join(cfg.Embedders.Enabled, ", "))
	printStatus("Vector DBs", "%s", strings.Join(cfg.VectorDbs.Enabled, ", "))

	if running {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if resp, err := c.get(ctx, "/collections"); err == nil {
			var colls []map[string]any
			if decodeJSON(resp, &colls) == nil {
				printStatus("Collections", "%d", len(colls))
			}
		}
		if resp, err := c.get(ctx, "/documents"); err == nil {
			var docs []map[string]any
			if decodeJSON(resp, &docs) == nil {
				printStatus("Documents", "%d", len(docs))
			}
		}
		if resp, err := c.get(ctx, "/jobs"); err == nil {
			var jobs jobsResponse
			if decodeJSON(resp, &jobs) == nil {
				printStatus("Running jobs", "%d", len(jobs.Jobs))
				printStatus("Image queue", "%s", queueLabel(jobs.ImageQueue))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func queueLabel(counts map[string]int) string {
	if len(counts) == 0 {
		return "empty"
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	slices.Sort(statuses)
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%s=%d", s, counts[s])
	}
	return strings.Join(parts, " ")
}
