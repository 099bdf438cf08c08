package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisdw72/onebarn-ai-sub006/internal/config"
	"github.com/travisdw72/onebarn-ai-sub006/internal/provider"
	"github.com/travisdw72/onebarn-ai-sub006/internal/sequence"
	"github.com/travisdw72/onebarn-ai-sub006/internal/store"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

const richPayload = `{
	"detection": {"detected": true, "confidence": 0.92},
	"health_assessment": {"overall_health": "good", "health_score": 0.85},
	"behavior_assessment": {"activity": "grazing", "alertness": "alert"},
	"risk_assessment": {"risk_level": "low", "risk_factors": []},
	"recommendations": ["continue routine monitoring"],
	"summary": "horse grazing calmly",
	"sequence_insights": {"new_behavior_patterns": ["steady grazing"], "consistent_findings": ["calm"]}
}`

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Image.Normalize = false
	cfg.Scheduler.BaseInterval = 10 * time.Millisecond
	cfg.Scheduler.TickInterval = 5 * time.Millisecond
	cfg.Store.HousekeepingInterval = time.Hour
	return &cfg
}

func scripted(name string, rank int, steps ...provider.Step) (provider.Entry, *provider.ScriptedAnalyzer) {
	a := provider.NewScriptedAnalyzer(steps...)
	return provider.Entry{
		Descriptor: provider.Descriptor{Name: name, Rank: rank, SupportsVision: true, Enabled: true, Model: "scripted"},
		Analyzer:   a,
	}, a
}

func startEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestEngine_SubmitFailsOverAndPersists(t *testing.T) {
	primary, pa := scripted("primary", 0, provider.Step{Err: provider.Transient("primary", errors.New("503 upstream"))})
	backup, ba := scripted("backup", 1, provider.Step{Payload: richPayload})

	e := startEngine(t, testConfig(), WithProviders(primary, backup))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.Submit(ctx, []byte("jpeg-bytes"), types.RequestContext{Priority: types.PriorityHigh, Source: "camera-1"})
	require.NoError(t, err)

	assert.Equal(t, "backup", res.ProviderID)
	assert.Equal(t, types.ShapeRich, res.Shape)
	assert.Equal(t, 1, pa.Calls())
	assert.Equal(t, 1, ba.Calls())

	stored, err := e.Result(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Summary, stored.Summary)

	st := e.Status(ctx)
	assert.Equal(t, uint64(1), st.Scheduler.Completed)
	assert.Greater(t, st.StoreBytes, int64(0))
	require.Len(t, st.Providers, 2)
	for _, c := range st.Circuits {
		if c.Provider == "primary" {
			assert.Equal(t, 1, c.ConsecutiveFailures)
			assert.False(t, c.IsOpen)
		}
	}

	n, err := testutil.GatherAndCount(e.Gatherer(), "orchestrator_requests_submitted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_ForceSubmit(t *testing.T) {
	only, _ := scripted("only", 0, provider.Step{Payload: richPayload})
	e := startEngine(t, testConfig(), WithProviders(only))

	res, err := e.ForceSubmit(context.Background(), []byte("img"), types.RequestContext{Priority: types.PriorityLow})
	require.NoError(t, err)
	assert.True(t, res.Detected)
}

func TestEngine_RunSequenceStoresAggregate(t *testing.T) {
	only, a := scripted("only", 0, provider.Step{Payload: richPayload})
	e := startEngine(t, testConfig(), WithProviders(only))

	ctx := context.Background()
	photos := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	res, err := e.RunSequence(ctx, photos, "", sequence.Meta{SubjectID: "horse-7"})
	require.NoError(t, err)

	assert.Equal(t, types.ShapeSequence, res.Shape)
	require.NotNil(t, res.Sequence)
	assert.Equal(t, 3, res.Sequence.SuccessfulSteps)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.Equal(t, 3, a.Calls())

	prompts := a.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[2], "Previous findings")

	stored, err := e.Result(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.RiskLevel, stored.RiskLevel)
}

func TestEngine_LifecycleErrors(t *testing.T) {
	only, _ := scripted("only", 0, provider.Step{Payload: richPayload})
	e, err := New(testConfig(), WithProviders(only))
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), []byte("x"), types.RequestContext{})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	_, err = e.Submit(context.Background(), []byte("x"), types.RequestContext{})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = e.RunSequence(context.Background(), [][]byte{[]byte("x")}, "", sequence.Meta{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, e.Start(), ErrStopped)
}

func TestEngine_StartFindsUnfinishedSequences(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	pending := &types.SequenceLearningContext{SequenceID: "01JBX2Z0000000000000000000", TotalSteps: 2, SchemaVer: 1}
	require.NoError(t, store.SaveJSON(ctx, st, store.SequenceContextKey(pending.SequenceID), pending))
	require.NoError(t, store.SaveJSON(ctx, st, store.SequenceResultKey("01JBX2Z0000000000000000001"), types.AnalysisResult{}))

	only, _ := scripted("only", 0, provider.Step{Payload: richPayload})
	e := startEngine(t, testConfig(), WithProviders(only), WithStore(st))

	status := e.Status(ctx)
	assert.Equal(t, []string{pending.SequenceID}, status.ResumableSequences)

	res, err := e.ResumeSequence(ctx, pending.SequenceID, [][]byte{[]byte("a"), []byte("b")}, "")
	require.NoError(t, err)
	assert.Equal(t, pending.SequenceID, res.ID)
	assert.Empty(t, e.Status(ctx).ResumableSequences)
}

func TestEngine_StopInterruptsSequenceAndKeepsCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "file"
	cfg.Store.Path = t.TempDir()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := provider.Entry{
		Descriptor: provider.Descriptor{Name: "slow", SupportsVision: true, Enabled: true},
		Analyzer: provider.AnalyzerFunc(func(ctx context.Context, image []byte, prompt string) (string, error) {
			once.Do(func() { close(started) })
			<-release
			return richPayload, nil
		}),
	}
	e, err := New(cfg, WithProviders(slow))
	require.NoError(t, err)
	require.NoError(t, e.Start())

	photos := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	runErr := make(chan error, 1)
	go func() {
		_, err := e.RunSequence(context.Background(), photos, "", sequence.Meta{SubjectID: "horse-9"})
		runErr <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first step never reached the provider")
	}

	stopErr := make(chan error, 1)
	go func() { stopErr <- e.Stop() }()

	select {
	case err = <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not interrupt the sequence")
	}
	assert.ErrorIs(t, err, ErrStopped)
	var interrupted *sequence.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, 0, interrupted.Step)

	close(release)
	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// a fresh engine on the same store finds the checkpoint and finishes it
	fast, a := scripted("fast", 0, provider.Step{Payload: richPayload})
	e2 := startEngine(t, cfg, WithProviders(fast))
	ctx := context.Background()
	assert.Equal(t, []string{interrupted.SequenceID}, e2.Status(ctx).ResumableSequences)

	res, err := e2.ResumeSequence(ctx, interrupted.SequenceID, photos, "")
	require.NoError(t, err)
	require.NotNil(t, res.Sequence)
	assert.Equal(t, 4, res.Sequence.TotalSteps)
	assert.Equal(t, 4, res.Sequence.SuccessfulSteps, "the interrupted step is redone, not recorded as failed")
	assert.Equal(t, 4, a.Calls())
}

func TestEngine_HousekeepEnforcesQuota(t *testing.T) {
	cfg := testConfig()
	cfg.Store.QuotaBytes = 1
	only, _ := scripted("only", 0, provider.Step{Payload: richPayload})
	e := startEngine(t, cfg, WithProviders(only))

	ctx := context.Background()
	res, err := e.Submit(ctx, []byte("x"), types.RequestContext{Priority: types.PriorityHigh})
	require.NoError(t, err)

	evicted, err := e.Housekeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = e.Result(ctx, res.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildProviders(t *testing.T) {
	t.Setenv("ENGINE_TEST_MISSING_KEY", "")
	disabled := false
	entries, err := BuildProviders([]config.ProviderConfig{
		{Name: "gpt", Kind: config.KindOpenAI, Model: "gpt-4o", APIKeyEnv: "ENGINE_TEST_MISSING_KEY"},
		{Name: "script", Kind: config.KindScripted, Script: []config.ScriptStep{
			{Error: "overloaded"},
			{Error: "invalid api key", Permanent: true},
			{Payload: richPayload},
		}},
		{Name: "off", Kind: config.KindScripted, Enabled: &disabled},
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.False(t, entries[0].Enabled, "missing key registers disabled")
	_, err = entries[0].Analyzer.Analyze(context.Background(), nil, "")
	assert.ErrorContains(t, err, "api key not set")

	assert.True(t, entries[1].Enabled)
	assert.Equal(t, 1, entries[1].Rank)
	ctx := context.Background()
	_, err = entries[1].Analyzer.Analyze(ctx, nil, "")
	assert.False(t, provider.IsPermanent(err))
	_, err = entries[1].Analyzer.Analyze(ctx, nil, "")
	assert.True(t, provider.IsPermanent(err))
	out, err := entries[1].Analyzer.Analyze(ctx, nil, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{"))

	assert.False(t, entries[2].Enabled)

	_, err = BuildProviders([]config.ProviderConfig{{Name: "x", Kind: "gemini"}})
	assert.Error(t, err)
}
