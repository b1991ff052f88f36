package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"docchat/internal/api"
	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/ingest"
	"docchat/internal/llm"
	"docchat/internal/rag"
	"docchat/internal/retrieval"
	"docchat/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docchat.pid")
}

func indexFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vectors.index")
}

func uploadsDirPath(dataDir string) string {
	return filepath.Join(dataDir, "uploads")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index := retrieval.NewIndex()
	indexPath := indexFilePath(cfg.Storage.DataDir)
	if err := index.LoadFile(indexPath); err != nil {
		var cerr *retrieval.CorruptIndexError
		if errors.As(err, &cerr) {
			slog.Warn("index file unusable, starting empty; run `docchat rebuild` to regenerate it", "path", cerr.Path, "reason", cerr.Reason)
		} else {
			return fmt.Errorf("loading index: %w", err)
		}
	}
	slog.Info("vector index loaded", "vectors", index.Len(), "dimension", index.Dim())

	client := llm.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.EmbedModel, cfg.Provider.ChatModel)
	policy := llm.Policy{
		MaxAttempts: cfg.Provider.RetryAttempts,
		BaseDelay:   cfg.Provider.RetryBaseDelay,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
	gateway := retrieval.NewGateway(client, policy, cfg.Provider.MaxEmbedTokens)
	retriever := retrieval.NewRetriever(gateway, index, store)
	orchestrator := rag.NewOrchestrator(retriever, client, rag.Config{
		TopK:          cfg.Retrieve.TopK,
		MinScore:      float32(cfg.Retrieve.MinScore),
		ContextTokens: cfg.Chat.ContextTokens,
		Temperature:   cfg.Chat.Temperature,
		MaxTokens:     cfg.Chat.MaxTokens,
		HistoryTurns:  cfg.Chat.HistoryTurns,
	})
	sessions := chat.NewManager()

	worker := ingest.NewWorker(store, gateway, index, ingest.Config{
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
		UploadsDir:   uploadsDirPath(cfg.Storage.DataDir),
		IndexPath:    indexPath,
	})
	go worker.Run(ctx)

	handler := api.NewAppHandler(api.AppDeps{
		Store:        store,
		Index:        index,
		Retriever:    retriever,
		Orchestrator: orchestrator,
		Sessions:     sessions,
		Token:        cfg.Server.APIToken,
		UploadsDir:   uploadsDirPath(cfg.Storage.DataDir),
		IndexPath:    indexPath,
		MaxFileSize:  cfg.Storage.MaxFileSize,
		TopK:         cfg.Retrieve.TopK,
		MinScore:     float32(cfg.Retrieve.MinScore),
		HistoryTurns: cfg.Chat.HistoryTurns,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        store,
		Retriever:    retriever,
		Orchestrator: orchestrator,
		TopK:         cfg.Retrieve.TopK,
		MinScore:     float32(cfg.Retrieve.MinScore),
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docchat listening on %s\n", addr)
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docchat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := healthClient.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
	printStatus("Chat model", "%s", cfg.Provider.ChatModel)

	if running {
		client := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: healthClient}
		if statsResp, err := client.get(ctx, "/stats"); err == nil {
			var stats map[string]int
			if decodeJSON(statsResp, &stats) == nil {
				printStatus("Documents", "%d", stats["documents"])
				printStatus("Chunks", "%d", stats["chunks"])
				printStatus("Vectors", "%d (dim %d)", stats["vectors"], stats["dimension"])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
