package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/travisdw72/onebarn-ai-sub006/internal/config"
	"github.com/travisdw72/onebarn-ai-sub006/internal/provider"
)

// BuildProviders turns provider configuration into registry entries.
//
// Config order is failover order. A provider whose API key is missing is kept
// in the registry but disabled, so status output still lists it.
func BuildProviders(cfgs []config.ProviderConfig) ([]provider.Entry, error) {
	entries := make([]provider.Entry, 0, len(cfgs))
	for i, pc := range cfgs {
		desc := provider.Descriptor{
			Name:           pc.Name,
			Rank:           i,
			SupportsVision: pc.HasVision(),
			Model:          pc.Model,
			Enabled:        pc.IsEnabled(),
		}

		var (
			analyzer provider.Analyzer
			err      error
		)
		switch pc.Kind {
		case config.KindOpenAI:
			analyzer, err = provider.NewOpenAIAnalyzer(provider.OpenAIConfig{
				Name:      pc.Name,
				APIKey:    pc.APIKey(),
				Model:     pc.Model,
				BaseURL:   pc.BaseURL,
				Timeout:   pc.Timeout,
				MaxTokens: pc.MaxTokens,
			})
		case config.KindAnthropic:
			analyzer, err = provider.NewAnthropicAnalyzer(provider.AnthropicConfig{
				Name:      pc.Name,
				APIKey:    pc.APIKey(),
				Model:     pc.Model,
				BaseURL:   pc.BaseURL,
				Timeout:   pc.Timeout,
				MaxTokens: pc.MaxTokens,
			})
		case config.KindScripted:
			analyzer = provider.NewScriptedAnalyzer(scriptSteps(pc)...)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}

		if err != nil {
			if desc.Enabled {
				slog.Warn("Provider unavailable, registering disabled", "provider", pc.Name, "kind", pc.Kind, "error", err)
			}
			desc.Enabled = false
			analyzer = unavailable{err: err}
		}
		entries = append(entries, provider.Entry{Descriptor: desc, Analyzer: analyzer})
	}
	return entries, nil
}

func scriptSteps(pc config.ProviderConfig) []provider.Step {
	steps := make([]provider.Step, 0, len(pc.Script))
	for _, s := range pc.Script {
		step := provider.Step{Payload: s.Payload}
		if s.Error != "" {
			if s.Permanent {
				step.Err = provider.Permanent(pc.Name, errors.New(s.Error))
			} else {
				step.Err = provider.Transient(pc.Name, errors.New(s.Error))
			}
		}
		steps = append(steps, step)
	}
	return steps
}
