package entities

// SpecialtyConfig describes one specialty-scoped generation agent. The order
// of configs given to the orchestrator fixes the order of results.
type SpecialtyConfig struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// SpecialtyResult is the outcome of one specialty agent over the shared
// retrieved context. Never mutated after creation; a failed specialty is
// omitted from the orchestrator's result list rather than represented as a
// partial value.
type SpecialtyResult struct {
	Specialty string   `json:"specialty"`
	Insights  []string `json:"insights"`
}

// PatientSummary is the structured summary returned for a patient record.
type PatientSummary struct {
	Headline string   `json:"headline"`
	Content  []string `json:"content"`
}
