package evaluation

import (
	"regexp"
	"strings"
)

// GuardrailConfig tunes answer screening.
type GuardrailConfig struct {
	MaxAnswerRunes int
	ExtraPatterns  []string
}

// GuardrailReport is the outcome of screening one generated answer.
type GuardrailReport struct {
	Flagged   bool
	Matches   []string
	Truncated bool
}

// Guardrails screens generated answers for language the assistant must not
// produce: definitive diagnoses and treatment directives. The assistant
// surfaces what the record says; it does not practice medicine.
type Guardrails struct {
	config   GuardrailConfig
	patterns []*regexp.Regexp
}

var defaultPatterns = []string{
	`(?i)\byou should (take|start|stop|increase|decrease)\b`,
	`(?i)\bi (diagnose|prescribe)\b`,
	`(?i)\bthe patient (definitely|certainly) has\b`,
	`(?i)\bmust (be started on|discontinue)\b`,
	`(?i)\bstart the patient on\b`,
}

// NewGuardrails creates an answer screen with the default diagnostic-claim
// patterns plus any configured extras.
func NewGuardrails(config GuardrailConfig) *Guardrails {
	if config.MaxAnswerRunes <= 0 {
		config.MaxAnswerRunes = 20000
	}

	patterns := make([]*regexp.Regexp, 0, len(defaultPatterns)+len(config.ExtraPatterns))
	for _, p := range defaultPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	for _, p := range config.ExtraPatterns {
		compiled, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		patterns = append(patterns, compiled)
	}

	return &Guardrails{config: config, patterns: patterns}
}

// Screen checks one answer and reports any flagged language. The answer is
// never altered; flags are logged and surfaced to reviewers, not to the
// clinician mid-conversation.
func (g *Guardrails) Screen(answer string) GuardrailReport {
	report := GuardrailReport{}

	for _, pattern := range g.patterns {
		if match := pattern.FindString(answer); match != "" {
			report.Flagged = true
			report.Matches = append(report.Matches, strings.TrimSpace(match))
		}
	}

	if len([]rune(answer)) > g.config.MaxAnswerRunes {
		report.Truncated = true
	}

	return report
}
