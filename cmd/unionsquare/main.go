// Command unionsquare is Union Square's entrypoint:
// `union_square --config <path>` wires the ring buffer, provider
// registry, hot path, audit assembler, command processor, and projections
// together and serves traffic until a signal asks it to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prime-radiant-inc/union-square/internal/assembler"
	"github.com/prime-radiant-inc/union-square/internal/audit"
	"github.com/prime-radiant-inc/union-square/internal/config"
	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/hotpath"
	"github.com/prime-radiant-inc/union-square/internal/projections"
	"github.com/prime-radiant-inc/union-square/internal/provider"
	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitFatalRuntime = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "union_square",
		Short: "Union Square — a transparent, audited proxy in front of LLM provider APIs",
		Long: `Union Square sits between client applications and third-party LLM HTTP
APIs (OpenAI, Anthropic, AWS Bedrock, Google Vertex AI). Every request it
forwards is captured as a complete, immutable audit record; materialized
views (session summaries, user activity, hourly metrics) are derived from
that record asynchronously. The hot path never waits on the audit path.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML configuration file")

	var healthcheckAddr string
	healthcheckCmd := &cobra.Command{
		Use:           "healthcheck",
		Short:         "probe a running instance's /healthz endpoint and exit 0/1 accordingly",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return healthcheck(cmd.Context(), healthcheckAddr)
		},
	}
	healthcheckCmd.Flags().StringVar(&healthcheckAddr, "addr", "http://127.0.0.1:8080", "base URL of the running instance")
	rootCmd.AddCommand(healthcheckCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "union_square:", err)
		var fatal *fatalRuntimeError
		if errors.As(err, &fatal) {
			return exitFatalRuntime
		}
		return exitConfigError
	}
	return exitOK
}

// fatalRuntimeError marks an error that should exit 2 (fatal runtime
// error) rather than 1 (configuration error).
type fatalRuntimeError struct{ err error }

func (e *fatalRuntimeError) Error() string { return e.err.Error() }
func (e *fatalRuntimeError) Unwrap() error { return e.err }

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := eventstore.Open(filepath.Join(cfg.DataDir, "unionsquare.db"))
	if err != nil {
		return &fatalRuntimeError{fmt.Errorf("open event store: %w", err)}
	}
	defer store.Close()

	rb := ringbuffer.New(ringbuffer.Config{
		SlotCount:    uint64(cfg.RingBuffer.SlotCount),
		SlotCapacity: cfg.RingBuffer.SlotSize,
		Strategy:     ringbufferStrategy(cfg.RingBuffer.Overflow),
		MaxWait:      time.Duration(cfg.RingBuffer.WaitUs) * time.Microsecond,
		Threshold:    time.Duration(cfg.RingBuffer.ThresholdUs) * time.Microsecond,
		StallTimeout: 5 * time.Second,
	})

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return &fatalRuntimeError{fmt.Errorf("build provider registry: %w", err)}
	}

	bus := hotpath.NewCommandBus(store, cfg.Audit.RetryAttempts, 4096)
	proxy := hotpath.NewProxy(registry, rb, bus, nil /* cache is an external, opt-in port */, cfg.Privacy.HonorDoNotRecord)

	pipeline := audit.NewPipeline(store, cfg.Audit.RetryAttempts, cfg.AssemblerTimeout())
	asm := assembler.New(rb, cfg.AssemblerTimeout(), pipeline.OnComplete, pipeline.OnIncomplete)
	server := hotpath.NewServer(proxy, rb, bus, store, asm, cfg.Server.MaxHeaderBytes)

	runner := projections.NewRunner(store, 200*time.Millisecond, 256,
		projections.NewSessionSummary(),
		projections.NewUserActivity(),
		projections.NewHourlyMetrics(),
	)

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	go bus.Run(bgCtx)
	go asm.Run(bgCtx)
	go pipeline.Run(bgCtx)
	go runner.Run(bgCtx)

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return &fatalRuntimeError{fmt.Errorf("bind %s: %w", cfg.Server.Listen, err)}
	}

	httpServer := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	log.Printf("union_square: listening on %s (data dir %s)", cfg.Server.Listen, cfg.DataDir)
	for _, a := range registry.Adapters() {
		log.Printf("union_square: provider %q registered", a.ID())
	}

	select {
	case <-ctx.Done():
		log.Printf("union_square: shutdown signal received, draining for up to %s", cfg.ShutdownGrace())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("union_square: graceful shutdown timed out: %v", err)
			httpServer.Close()
		}
		cancelBG()
		log.Printf("union_square: drained, checkpoints flushed, exiting")
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &fatalRuntimeError{fmt.Errorf("http server: %w", err)}
		}
		return nil
	}
}

// healthcheck is a one-shot probe suitable for a container orchestrator's
// liveness check — it never touches the event store or config, just the
// running process's own HTTP surface.
func healthcheck(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build healthcheck request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

func ringbufferStrategy(o config.Overflow) ringbuffer.Overflow {
	switch o {
	case config.OverflowBackpressure:
		return ringbuffer.OverflowBackpressure
	case config.OverflowHybrid:
		return ringbuffer.OverflowHybrid
	default:
		return ringbuffer.OverflowDrop
	}
}

// buildRegistry registers one adapter per enabled provider, in a fixed
// order — first-match routing must be deterministic across restarts, and
// iterating cfg.Providers (a map) directly would make it depend on Go's
// randomized map iteration.
func buildRegistry(ctx context.Context, cfg config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if pc, ok := cfg.Providers["openai"]; ok && pc.Enabled {
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com"
		}
		registry.Register(provider.NewOpenAI(baseURL))
	}
	if pc, ok := cfg.Providers["anthropic"]; ok && pc.Enabled {
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.anthropic.com"
		}
		registry.Register(provider.NewAnthropic(baseURL))
	}
	if pc, ok := cfg.Providers["bedrock"]; ok && pc.Enabled {
		b, err := provider.NewBedrock(ctx, pc.Region)
		if err != nil {
			return nil, fmt.Errorf("bedrock adapter: %w", err)
		}
		registry.Register(b)
	}
	if pc, ok := cfg.Providers["vertex-ai"]; ok && pc.Enabled {
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://aiplatform.googleapis.com"
		}
		registry.Register(provider.NewVertexAI(baseURL))
	}

	return registry, nil
}
