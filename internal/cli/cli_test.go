package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/travisdw72/onebarn-ai-sub006/internal/config"
	"github.com/travisdw72/onebarn-ai-sub006/internal/engine"
	"github.com/travisdw72/onebarn-ai-sub006/internal/journal"
	"github.com/travisdw72/onebarn-ai-sub006/internal/server"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

const scriptedPayload = `{"detection": {"detected": true, "confidence": 0.7}, "health_assessment": {"overall_health": "good"}, "risk_assessment": {"risk_level": "low"}, "summary": "standing quietly"}`

// writeConfig writes a config using a scripted provider and file-backed store under dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	doc := fmt.Sprintf(`
providers:
  - name: scripted
    kind: scripted
    script:
      - payload: '%s'
scheduler:
  base_interval: 10ms
  tick_interval: 5ms
image:
  normalize: false
store:
  backend: file
  path: %s
journal:
  enabled: true
  path: %s
  flush_interval: 10ms
log:
  level: warn
`, scriptedPayload, filepath.Join(dir, "store"), filepath.Join(dir, "journal.log"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "orchestrator", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "analyze", "sequence", "result", "status", "history", "convert"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env"))
}

func TestAnalyzeResultAndHistory_Local(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	img := filepath.Join(dir, "stall.jpg")
	require.NoError(t, os.WriteFile(img, []byte("not really a jpeg"), 0o644))

	out, err := execute(t, "-c", cfgPath, "analyze", "-f", img, "--priority", "high")
	require.NoError(t, err)

	var res types.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "standing quietly", res.Summary)
	assert.Equal(t, "scripted", res.ProviderID)
	require.NotEmpty(t, res.ID)

	out, err = execute(t, "-c", cfgPath, "result", res.ID)
	require.NoError(t, err)
	var stored types.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.Equal(t, res.ID, stored.ID)

	out, err = execute(t, "-c", cfgPath, "history")
	require.NoError(t, err)
	var summary journal.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.ByType[journal.EventCompleted])
	assert.Equal(t, 1, summary.ByProvider["scripted"])
}

func TestAnalyze_Validation(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	_, err := execute(t, "-c", cfgPath, "analyze")
	assert.Error(t, err, "file flag is required")

	_, err = execute(t, "-c", cfgPath, "analyze", "-f", filepath.Join(dir, "missing.jpg"))
	assert.Error(t, err)

	_, err = execute(t, "-c", cfgPath, "analyze", "-f", cfgPath, "--priority", "asap")
	assert.Error(t, err)
}

func TestSequence_Local(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	var args []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, fmt.Sprintf("photo-%d.jpg", i))
		require.NoError(t, os.WriteFile(p, []byte{byte(i)}, 0o644))
		args = append(args, "-f", p)
	}

	out, err := execute(t, append([]string{"-c", cfgPath, "sequence", "--subject", "horse-4"}, args...)...)
	require.NoError(t, err)

	var res types.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, types.ShapeSequence, res.Shape)
	require.NotNil(t, res.Sequence)
	assert.Equal(t, 3, res.Sequence.TotalSteps)
	assert.Equal(t, 3, res.Sequence.SuccessfulSteps)

	out, err = execute(t, "-c", cfgPath, "result", res.ID)
	require.NoError(t, err)
	assert.Contains(t, out, res.ID)
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.tif"), buf.Bytes(), 0o644))

	out, err := execute(t, "convert", dir, "--quality", "80")
	require.NoError(t, err)
	assert.Contains(t, out, "Converted 1 file(s)")
	assert.FileExists(t, filepath.Join(dir, "jpeg_copies", "scan.jpg"))

	_, err = execute(t, "convert")
	assert.Error(t, err)
}

func TestShowStatus(t *testing.T) {
	cfg := config.Defaults()
	var out bytes.Buffer
	showStatus(&out, &cfg, &engine.Status{ResumableSequences: []string{"01JBX2Z0000000000000000000"}})

	s := out.String()
	assert.Contains(t, s, "openai")
	assert.Contains(t, s, "anthropic")
	assert.Contains(t, s, "01JBX2Z0000000000000000000")
	assert.Contains(t, s, "unlimited")
}

func TestRunSystem_ServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir))
	require.NoError(t, err)
	cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runSystem(ctx, cfg, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("runSystem exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	c, err := server.Dial(net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	defer c.Close()

	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	res, err := c.Analyze(rctx, []byte("img"), types.RequestContext{Priority: types.PriorityHigh}, false)
	require.NoError(t, err)
	assert.True(t, strings.Contains(res.Summary, "standing"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runSystem did not stop")
	}
}

func TestNewLogger_AppliesToEveryPackage(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir))
	require.NoError(t, err)
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(newLogger(cfg, &buf))
	t.Cleanup(func() { slog.SetDefault(prev) })

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	_, err = eng.Submit(context.Background(), []byte("img"), types.RequestContext{Priority: types.PriorityHigh})
	require.NoError(t, err)
	require.NoError(t, eng.Stop())

	msgs := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		assert.False(t, strings.HasPrefix(rec.Msg, rec.Level+" "), "record was pre-formatted: %s", line)
		msgs[rec.Msg] = true
	}
	assert.True(t, msgs["Scheduler started"])
	assert.True(t, msgs["Dispatching request"], "scheduler debug records reach the configured handler")
	assert.True(t, msgs["Provider payload decoded"], "parser debug records reach the configured handler")
}
