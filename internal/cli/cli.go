// ============================================================================
// Orchestrator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   orchestrator                   # Root command
//   ├── run                        # Start engine, gRPC service, metrics
//   ├── analyze                    # Analyze one image
//   │   └── --file, -f            # Image file
//   ├── sequence                   # Sequential learning over several images
//   │   └── --file, -f (repeat)   # Image files, in order
//   ├── result <id>                # Fetch a stored result
//   ├── status                     # Engine / configuration status
//   ├── history                    # Summarize the request journal
//   ├── convert <dir>              # Batch TIFF -> JPEG copies
//   ├── --config, -c               # Config file (persistent)
//   └── --env                      # .env file with provider keys (persistent)
//
// Local vs remote:
//   analyze, sequence, result and status talk to a running service when
//   --addr is set. Without it they build an in-process engine from the
//   config, which is useful with a persistent store backend.
//
// run Command:
//   1. Load .env and config, install the slog handler
//   2. Build and start the engine
//   3. Serve gRPC on server.port and /metrics on metrics.port (if enabled)
//   4. Wait for SIGINT / SIGTERM
//   5. Graceful shutdown: stop listeners, then the engine (queued requests
//      are rejected, the in-flight call completes, journal and store close)
//
//   Examples:
//     ./orchestrator run
//     ./orchestrator run -c configs/default.yaml --port 6000
//     ./orchestrator analyze -f stall.jpg --priority high --addr localhost:50051
//     ./orchestrator sequence -f a.jpg -f b.jpg -f c.jpg --subject horse-12
//     ./orchestrator convert ./photos
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/travisdw72/onebarn-ai-sub006/internal/config"
	"github.com/travisdw72/onebarn-ai-sub006/internal/engine"
	"github.com/travisdw72/onebarn-ai-sub006/internal/imageprep"
	"github.com/travisdw72/onebarn-ai-sub006/internal/journal"
	"github.com/travisdw72/onebarn-ai-sub006/internal/metrics"
	"github.com/travisdw72/onebarn-ai-sub006/internal/sequence"
	"github.com/travisdw72/onebarn-ai-sub006/internal/server"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

var (
	configFile string
	envFile    string
)

// shutdownTimeout bounds listener shutdown in the run command.
const shutdownTimeout = 10 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Orchestrator: multi-provider image analysis engine",
		Long: `Orchestrator analyzes animal photos through vision model providers with:
- ordered failover and per-provider circuit breakers
- priority scheduling with an adaptive rate limit
- sequential learning across photo series
- pluggable persistence (memory, file, badger, sqlite)`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", ".env file with provider API keys")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAnalyzeCommand())
	rootCmd.AddCommand(buildSequenceCommand())
	rootCmd.AddCommand(buildResultCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildConvertCommand())

	return rootCmd
}

// loadConfig loads .env and the config file and installs the configured logger.
func loadConfig() (*config.Config, error) {
	config.LoadEnv(envFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, os.Stderr))
	return cfg, nil
}

// newLogger builds the slog handler selected by cfg.Log.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the analysis engine and its gRPC service",
		Long:  "Start the engine, serve the gRPC analysis service and Prometheus metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, nil)
		},
	}

	cmd.Flags().IntVar(&port, "port", 50051, "gRPC port (overrides server.port)")
	return cmd
}

// runSystem serves until ctx is done. ready, when non-nil, receives the gRPC
// listen address once the listener is bound.
func runSystem(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		eng.Stop()
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor))
	server.Register(grpcServer, server.NewServer(eng))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, eng.Gatherer())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			return metricsServer.ListenAndServe()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal, stopping gracefully...")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(sctx); err != nil {
				slog.Warn("Metrics server shutdown", "error", err)
			}
		}
		return nil
	})

	slog.Info("System started successfully")
	if ready != nil {
		ready <- lis.Addr().String()
	}

	err = g.Wait()
	if stopErr := eng.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	slog.Info("System stopped. Goodbye!")
	return err
}

// ============================================================================
// analyze / sequence / result
// ============================================================================

func buildAnalyzeCommand() *cobra.Command {
	var (
		file     string
		priority string
		source   string
		prompt   string
		addr     string
		force    bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one image",
		Long:  "Submit one image for analysis. Use --addr to submit to a running service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParsePriority(priority)
			if err != nil {
				return err
			}
			image, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			rc := types.RequestContext{Priority: p, Source: source, Prompt: prompt}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var res types.AnalysisResult
			if addr != "" {
				c, err := server.Dial(addr)
				if err != nil {
					return err
				}
				defer c.Close()
				res, err = c.Analyze(ctx, image, rc, force)
				if err != nil {
					return err
				}
			} else {
				err = withLocalEngine(func(eng *engine.Engine) error {
					var err error
					if force {
						res, err = eng.ForceSubmit(ctx, image, rc)
					} else {
						res, err = eng.Submit(ctx, image, rc)
					}
					return err
				})
				if err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "image file")
	cmd.Flags().StringVar(&priority, "priority", "medium", "urgent, high, medium or low")
	cmd.Flags().StringVar(&source, "source", "cli", "capture source tag")
	cmd.Flags().StringVar(&prompt, "prompt", "", "analysis prompt override")
	cmd.Flags().StringVar(&addr, "addr", "", "service address (e.g. localhost:50051)")
	cmd.Flags().BoolVar(&force, "force", false, "bypass queue and rate limit")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline")
	cmd.MarkFlagRequired("file")

	return cmd
}

func buildSequenceCommand() *cobra.Command {
	var (
		files    []string
		subject  string
		prompt   string
		resumeID string
		addr     string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Run a sequential learning analysis",
		Long:  "Analyze images in order, threading earlier findings into later prompts. --resume continues a checkpointed sequence.",
		RunE: func(cmd *cobra.Command, args []string) error {
			photos := make([][]byte, 0, len(files))
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					return fmt.Errorf("failed to read image: %w", err)
				}
				photos = append(photos, data)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var res types.AnalysisResult
			if addr != "" {
				c, err := server.Dial(addr)
				if err != nil {
					return err
				}
				defer c.Close()
				if res, err = c.Sequence(ctx, photos, prompt, subject, resumeID); err != nil {
					return err
				}
			} else {
				err := withLocalEngine(func(eng *engine.Engine) error {
					var err error
					if resumeID != "" {
						res, err = eng.ResumeSequence(ctx, resumeID, photos, prompt)
					} else {
						res, err = eng.RunSequence(ctx, photos, prompt, sequence.Meta{SubjectID: subject, Source: "cli"})
					}
					return err
				})
				var interrupted *sequence.InterruptedError
				if errors.As(err, &interrupted) {
					return fmt.Errorf("%w (continue with --resume %s)", err, interrupted.SequenceID)
				}
				if err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "image file (repeat, in order)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject (animal) identifier")
	cmd.Flags().StringVar(&prompt, "prompt", "", "base prompt override")
	cmd.Flags().StringVar(&resumeID, "resume", "", "sequence id to resume")
	cmd.Flags().StringVar(&addr, "addr", "", "service address (e.g. localhost:50051)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall deadline")
	cmd.MarkFlagRequired("file")

	return cmd
}

func buildResultCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "result <id>",
		Short: "Show a stored analysis or sequence result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res types.AnalysisResult
			if addr != "" {
				c, err := server.Dial(addr)
				if err != nil {
					return err
				}
				defer c.Close()
				if res, err = c.Result(cmd.Context(), args[0]); err != nil {
					return err
				}
			} else {
				err := withLocalEngine(func(eng *engine.Engine) error {
					var err error
					res, err = eng.Result(cmd.Context(), args[0])
					return err
				})
				if err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "service address (e.g. localhost:50051)")
	return cmd
}

// withLocalEngine runs fn against an in-process engine built from the config.
func withLocalEngine(fn func(eng *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	err = fn(eng)
	if stopErr := eng.Stop(); stopErr != nil {
		slog.Warn("Engine shutdown", "error", stopErr)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// status / history / convert
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, and live engine state when --addr points at a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var live *engine.Status
			if addr != "" {
				c, err := server.Dial(addr)
				if err != nil {
					return err
				}
				defer c.Close()
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				st, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch status: %w", err)
				}
				live = &st
			}
			showStatus(cmd.OutOrStdout(), cfg, live)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "service address (e.g. localhost:50051)")
	return cmd
}

func showStatus(w io.Writer, cfg *config.Config, live *engine.Status) {
	source := configFile
	if source == "" {
		source = "(defaults)"
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Orchestrator Status                             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:      %s\n", source)
	fmt.Fprintf(w, "  ├─ Queue Capacity:   %d\n", cfg.Scheduler.QueueCapacity)
	fmt.Fprintf(w, "  ├─ Base Interval:    %s\n", cfg.Scheduler.BaseInterval)
	fmt.Fprintf(w, "  └─ Breaker:          %d failures / %s reset\n", cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔌 Providers:")
	for i, p := range cfg.Providers {
		branch := "├─"
		if i == len(cfg.Providers)-1 {
			branch = "└─"
		}
		state := "enabled"
		if !p.IsEnabled() {
			state = "disabled"
		} else if p.Kind != config.KindScripted && p.APIKey() == "" {
			state = "no api key (" + p.APIKeyEnv + ")"
		}
		fmt.Fprintf(w, "  %s %d. %-12s %-10s %-28s %s\n", branch, i+1, p.Name, p.Kind, p.Model, state)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Storage:")
	fmt.Fprintf(w, "  ├─ Backend:          %s %s\n", cfg.Store.Backend, cfg.Store.Path)
	if cfg.Store.QuotaBytes > 0 {
		fmt.Fprintf(w, "  ├─ Quota:            %.1f MB (low water %.0f%%)\n", float64(cfg.Store.QuotaBytes)/(1024*1024), cfg.Store.LowWater*100)
	} else {
		fmt.Fprintln(w, "  ├─ Quota:            unlimited")
	}
	if cfg.Journal.Enabled {
		fmt.Fprintf(w, "  └─ Journal:          %s\n", cfg.Journal.Path)
	} else {
		fmt.Fprintln(w, "  └─ Journal:          disabled")
	}
	fmt.Fprintln(w)

	if live != nil {
		s := live.Scheduler
		fmt.Fprintln(w, "📊 Scheduler:")
		fmt.Fprintf(w, "  ├─ ⏳ Queued:        %d / %d\n", s.Queued, s.Capacity)
		fmt.Fprintf(w, "  ├─ 🔄 In-Flight:     %d\n", s.InFlight)
		fmt.Fprintf(w, "  ├─ ✅ Completed:     %d\n", s.Completed)
		fmt.Fprintf(w, "  ├─ ❌ Failed:        %d\n", s.Failed)
		fmt.Fprintf(w, "  ├─ 🗑  Evicted:       %d\n", s.Evicted)
		fmt.Fprintf(w, "  └─ 📈 Success Rate:  %.0f%%\n", s.SuccessRate*100)
		fmt.Fprintln(w)

		fmt.Fprintln(w, "⚡ Circuits:")
		if len(live.Circuits) == 0 {
			fmt.Fprintln(w, "  └─ no failures recorded")
		}
		for _, c := range live.Circuits {
			state := "closed"
			if c.IsOpen {
				state = "OPEN"
			}
			fmt.Fprintf(w, "  └─ %-12s %-6s failures=%d\n", c.Provider, state, c.ConsecutiveFailures)
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "💽 Store: %d bytes, %d resumable sequence(s)\n", live.StoreBytes, len(live.ResumableSequences))
		for _, id := range live.ResumableSequences {
			fmt.Fprintf(w, "  └─ %s\n", id)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "📊 Engine:")
		fmt.Fprintln(w, "  └─ not queried (use --addr to reach a running 'orchestrator run')")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func buildHistoryCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Summarize the request journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Journal.Path
			}
			if path == "" {
				return errors.New("no journal configured (set journal.path or use --journal)")
			}
			summary, err := journal.Summarize(path)
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&path, "journal", "", "journal file (defaults to journal.path)")
	return cmd
}

func buildConvertCommand() *cobra.Command {
	var (
		outDir  string
		quality int
	)

	cmd := &cobra.Command{
		Use:   "convert <dir>",
		Short: "Create JPEG copies of every TIFF in a folder",
		Long:  "Convert .tif/.tiff files to JPEG in <dir>/jpeg_copies (or --out). Originals are left untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := imageprep.ConvertDir(args[0], outDir, quality)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Converted %d file(s) into %s\n", len(report.Converted), report.OutputDir)
			for _, f := range report.Failed {
				fmt.Fprintf(w, "  ❌ %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output folder (default <dir>/jpeg_copies)")
	cmd.Flags().IntVar(&quality, "quality", imageprep.DefaultQuality, "JPEG quality 1-100")
	return cmd
}
