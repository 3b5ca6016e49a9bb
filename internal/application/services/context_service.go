package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/radianlabs/clinical-insights/backend/pkg/tokens"
)

// EmptyContextText is the sentinel handed to the model when nothing relevant
// was retrieved. The prompt instructs the model to report absence rather than
// improvise.
const EmptyContextText = "No patient context available."

// ContextService assembles retrieval results into the token-bounded prompt
// context. Fragments are deduplicated by id and dropped whole when the
// budget runs out; a fragment is never truncated mid-text.
type ContextService struct {
	counter tokens.Counter
	budget  int
}

// NewContextService creates a new context assembly service
func NewContextService(counter tokens.Counter, budget int) *ContextService {
	return &ContextService{
		counter: counter,
		budget:  budget,
	}
}

// Assemble builds the prompt context from ranked retrieval results.
// Assembly is deterministic: the same results always produce the same
// context.
func (s *ContextService) Assemble(ctx context.Context, results []entities.RetrievalResult, recencyFallback bool) entities.PromptContext {
	logger := observability.LoggerFromContext(ctx)

	sections := []string{}
	sources := []entities.ContextSource{}
	seen := map[string]struct{}{}
	used := 0
	dropped := 0

	for i, result := range results {
		fragment := result.Fragment
		if strings.TrimSpace(fragment.Text) == "" {
			continue
		}
		if _, ok := seen[fragment.FragmentID]; ok {
			continue
		}
		seen[fragment.FragmentID] = struct{}{}

		section := formatFragment(fragment)
		cost := s.counter.CountTokens(section)
		// First overflow stops assembly. A lower-ranked fragment never
		// displaces a higher-ranked one that was dropped.
		if s.budget > 0 && used+cost > s.budget {
			dropped = len(results) - i
			break
		}

		used += cost
		sections = append(sections, section)
		sources = append(sources, entities.ContextSource{
			FragmentID: fragment.FragmentID,
			DocumentID: fragment.DocumentID,
			SourceName: fragment.SourceName,
			PageNumber: fragment.PageNumber,
			Similarity: result.Similarity,
		})
	}

	if dropped > 0 {
		logger.Debug().
			Int("dropped_fragments", dropped).
			Int("token_budget", s.budget).
			Msg("context budget exhausted, dropped whole fragments")
	}

	if len(sections) == 0 {
		return entities.PromptContext{
			Text:            EmptyContextText,
			Sources:         []entities.ContextSource{},
			TokenCount:      0,
			RecencyFallback: recencyFallback,
		}
	}

	return entities.PromptContext{
		Text:            strings.Join(sections, "\n\n"),
		Sources:         sources,
		TokenCount:      used,
		RecencyFallback: recencyFallback,
	}
}

// FormatForAudit renders fragments for the query log, separated so the audit
// trail can be split back into individual fragments.
func (s *ContextService) FormatForAudit(results []entities.RetrievalResult) string {
	sections := []string{}
	seen := map[string]struct{}{}
	for _, result := range results {
		fragment := result.Fragment
		if strings.TrimSpace(fragment.Text) == "" {
			continue
		}
		if _, ok := seen[fragment.FragmentID]; ok {
			continue
		}
		seen[fragment.FragmentID] = struct{}{}
		sections = append(sections, formatFragment(fragment))
	}
	return strings.Join(sections, "\n----\n")
}

// formatFragment renders one fragment with its provenance header.
func formatFragment(fragment entities.RecordFragment) string {
	prefix := "Document: " + displayName(fragment)
	if fragment.PageNumber != nil {
		prefix += fmt.Sprintf(" (page %d)", *fragment.PageNumber)
	}
	return prefix + ":\n" + fragment.Text
}

func displayName(fragment entities.RecordFragment) string {
	name := fragment.SourceName
	if name == "" {
		return fragment.DocumentID
	}
	for _, ext := range []string{".pdf", ".txt", ".doc", ".docx"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}
