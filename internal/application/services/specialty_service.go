package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	openaiclient "github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/openai"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// SpecialtyService fans one patient context out to per-specialty agents and
// reassembles their findings in configuration order. A failed agent is
// dropped from the result; only when every agent fails does the whole
// operation fail.
type SpecialtyService struct {
	generator providers.GenerationProvider
	cfg       config.SpecialtyConfig
	now       func() time.Time
}

// NewSpecialtyService creates a new specialty orchestrator
func NewSpecialtyService(generator providers.GenerationProvider, cfg config.SpecialtyConfig) *SpecialtyService {
	return &SpecialtyService{
		generator: generator,
		cfg:       cfg,
		now:       time.Now,
	}
}

type specialtyInsights struct {
	Insights []string `json:"insights"`
}

// Perspectives runs all configured specialty agents concurrently against the
// assembled context. Results come back in configuration order regardless of
// completion order.
func (s *SpecialtyService) Perspectives(ctx context.Context, contextText string) ([]entities.SpecialtyResult, error) {
	if len(s.cfg.Agents) == 0 {
		return []entities.SpecialtyResult{}, nil
	}

	logger := observability.LoggerFromContext(ctx)
	now := s.now()

	type slot struct {
		result *entities.SpecialtyResult
		err    error
	}
	slots := make([]slot, len(s.cfg.Agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, specialty := range s.cfg.Agents {
		g.Go(func() error {
			agentCtx := gctx
			if s.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				agentCtx, cancel = context.WithTimeout(gctx, s.cfg.Timeout)
				defer cancel()
			}

			result, err := s.runAgent(agentCtx, specialty, contextText, now)
			if err != nil {
				// Record and continue; one slow or broken agent must not
				// sink the others.
				slots[i] = slot{err: err}
				logger.Warn().
					Err(err).
					Str("specialty", specialty).
					Msg("specialty agent failed")
				return nil
			}
			slots[i] = slot{result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]entities.SpecialtyResult, 0, len(slots))
	var failures []string
	for i, sl := range slots {
		if sl.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", s.cfg.Agents[i], sl.err))
			continue
		}
		if sl.result != nil {
			results = append(results, *sl.result)
		}
	}

	if len(results) == 0 && len(failures) > 0 {
		return nil, apperrors.NewProviderError(
			"all specialty agents failed: "+strings.Join(failures, "; "), nil)
	}
	return results, nil
}

func (s *SpecialtyService) runAgent(ctx context.Context, specialty, contextText string, now time.Time) (*entities.SpecialtyResult, error) {
	raw, err := s.generator.Complete(ctx, providers.GenerationRequest{
		SystemPrompt: openaiclient.BuildSpecialtySystemPrompt(specialty, contextText, now),
		UserMessage:  fmt.Sprintf("Extract the %s findings from this patient's record.", specialty),
		Temperature:  0.1,
		MaxTokens:    600,
		JSONMode:     true,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewTimeoutError("specialty agent "+specialty, err)
		}
		return nil, err
	}

	var parsed specialtyInsights
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return nil, apperrors.NewProviderError("specialty agent returned malformed JSON", err)
	}

	insights := make([]string, 0, len(parsed.Insights))
	for _, insight := range parsed.Insights {
		if trimmed := strings.TrimSpace(insight); trimmed != "" {
			insights = append(insights, trimmed)
		}
	}

	return &entities.SpecialtyResult{
		Specialty: specialty,
		Insights:  insights,
	}, nil
}

// stripCodeFence removes a Markdown code fence if the model wrapped its JSON
// in one.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}
