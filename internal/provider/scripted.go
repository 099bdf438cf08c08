package provider

import (
	"context"
	"errors"
	"sync"
)

// Step is one scripted reply: either a payload or an error.
type Step struct {
	Payload string
	Err     error
}

// ScriptedAnalyzer replays a fixed list of replies, repeating the last one when
// the script is exhausted. Used by the demo command and by tests.
type ScriptedAnalyzer struct {
	mu    sync.Mutex
	steps []Step
	calls int
	// prompts records every prompt received, in call order.
	prompts []string
}

// NewScriptedAnalyzer returns an analyzer that replays steps in order.
func NewScriptedAnalyzer(steps ...Step) *ScriptedAnalyzer {
	return &ScriptedAnalyzer{steps: steps}
}

// Analyze implements Analyzer.
func (s *ScriptedAnalyzer) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, prompt)
	if len(s.steps) == 0 {
		s.calls++
		return "", errors.New("scripted analyzer has no steps")
	}
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].Payload, s.steps[i].Err
}

// Calls returns how many times Analyze has been invoked.
func (s *ScriptedAnalyzer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Prompts returns a copy of the prompts received so far.
func (s *ScriptedAnalyzer) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
