package main

// ============================================================================
// Crash-recovery demo for sequential learning
// ============================================================================
//
// Usage:
//   go run ./cmd/demo start     # 8-photo sequence, one step per second
//   (press Ctrl+C part way through)
//   go run ./cmd/demo recover   # resume every unfinished sequence
//
// Providers are simulated: "primary" fails every third call with a transient
// error, so failover to "backup" is visible in the logs. Results and
// checkpoints live in a file store under data/demo-store.
//
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/travisdw72/onebarn-ai-sub006/internal/config"
	"github.com/travisdw72/onebarn-ai-sub006/internal/engine"
	"github.com/travisdw72/onebarn-ai-sub006/internal/provider"
	"github.com/travisdw72/onebarn-ai-sub006/internal/sequence"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

const photoCount = 8

var patterns = []string{"grazing", "pawing at ground", "looking at flank", "lying down", "rolling", "standing", "sweating", "grazing"}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg := config.Defaults()
	cfg.Store.Backend = "file"
	cfg.Store.Path = "data/demo-store"
	cfg.Journal.Enabled = true
	cfg.Journal.Path = "data/demo-journal.log"
	cfg.Sequence.StepInterval = time.Second
	cfg.Scheduler.BaseInterval = 200 * time.Millisecond

	eng, err := engine.New(&cfg, engine.WithProviders(simulatedProviders()...))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	fmt.Printf("✓ Engine started (mode: %s)\n", mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "start":
		fmt.Printf("\n⚡ Running a %d-photo sequence, one step per second...\n", photoCount)
		fmt.Printf("💡 Press Ctrl+C NOW to interrupt it, then run 'recover'\n\n")
		res, err := eng.RunSequence(ctx, photos(), "", sequence.Meta{SubjectID: "demo-horse", Source: "demo"})
		report(res, err)
	case "recover":
		pending := eng.Status(ctx).ResumableSequences
		if len(pending) == 0 {
			fmt.Println("\nNo unfinished sequences. Run 'start' and interrupt it first.")
		}
		for _, id := range pending {
			fmt.Printf("\n🔁 Resuming sequence %s\n", id)
			res, err := eng.ResumeSequence(ctx, id, photos(), "")
			report(res, err)
		}
	default:
		fmt.Printf("Unknown mode %q\n", mode)
	}

	st := eng.Status(context.Background())
	fmt.Printf("\n📊 Scheduler: completed=%d failed=%d evicted=%d success_rate=%.0f%%\n",
		st.Scheduler.Completed, st.Scheduler.Failed, st.Scheduler.Evicted, st.Scheduler.SuccessRate*100)
	for _, c := range st.Circuits {
		fmt.Printf("⚡ %s: failures=%d open=%v\n", c.Provider, c.ConsecutiveFailures, c.IsOpen)
	}

	if err := eng.Stop(); err != nil {
		log.Printf("Engine shutdown: %v", err)
	}
	fmt.Println("✓ Engine stopped")
}

func report(res types.AnalysisResult, err error) {
	var interrupted *sequence.InterruptedError
	if errors.As(err, &interrupted) {
		fmt.Printf("\n\nReceived shutdown signal, sequence %s stopped before step %d, checkpoint kept.\n",
			interrupted.SequenceID, interrupted.Step+1)
		fmt.Println("💡 Run 'go run ./cmd/demo recover' to continue where it stopped")
		return
	}
	if err != nil {
		fmt.Printf("❌ Sequence failed: %v\n", err)
		return
	}
	fmt.Printf("\n✓ Sequence %s finished\n", res.ID)
	fmt.Printf("  Risk:        %s (%.2f)\n", res.RiskLevel, res.RiskScore)
	fmt.Printf("  Confidence:  %.2f\n", res.Confidence)
	fmt.Printf("  Factors:     %v\n", res.RiskFactors)
	fmt.Printf("  Summary:     %s\n", res.Summary)
}

// photos renders deterministic PNG frames so resume sees the same input.
func photos() [][]byte {
	out := make([][]byte, photoCount)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 32, 32))
		shade := uint8(40 + i*25)
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				img.Set(x, y, color.RGBA{R: shade, G: 120, B: 255 - shade, A: 255})
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			log.Fatalf("encode demo frame: %v", err)
		}
		out[i] = buf.Bytes()
	}
	return out
}

func simulatedProviders() []provider.Entry {
	var calls atomic.Int64
	respond := func(ctx context.Context, image []byte, prompt string) (string, error) {
		n := calls.Add(1)
		pattern := patterns[int(n)%len(patterns)]
		return fmt.Sprintf(`{
			"detection": {"detected": true, "confidence": 0.9},
			"health_assessment": {"overall_health": "fair", "health_score": 0.6},
			"behavior_assessment": {"activity": %q, "alertness": "alert"},
			"risk_assessment": {"risk_level": "moderate", "risk_factors": [%q]},
			"recommendations": ["observe for colic signs"],
			"summary": "horse observed %s",
			"sequence_insights": {"new_behavior_patterns": [%q], "risk_factors": [%q]}
		}`, pattern, pattern, pattern, pattern, pattern), nil
	}

	var primaryCalls atomic.Int64
	primary := provider.AnalyzerFunc(func(ctx context.Context, image []byte, prompt string) (string, error) {
		if primaryCalls.Add(1)%3 == 0 {
			return "", provider.Transient("primary", errors.New("503 service unavailable"))
		}
		time.Sleep(150 * time.Millisecond)
		return respond(ctx, image, prompt)
	})
	backup := provider.AnalyzerFunc(func(ctx context.Context, image []byte, prompt string) (string, error) {
		time.Sleep(300 * time.Millisecond)
		return respond(ctx, image, prompt)
	})

	return []provider.Entry{
		{Descriptor: provider.Descriptor{Name: "primary", Rank: 0, SupportsVision: true, Enabled: true, Model: "sim-fast"}, Analyzer: primary},
		{Descriptor: provider.Descriptor{Name: "backup", Rank: 1, SupportsVision: true, Enabled: true, Model: "sim-slow"}, Analyzer: backup},
	}
}
