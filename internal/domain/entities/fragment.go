package entities

import "time"

// RecordFragment is a chunk of a patient's stored record, pre-embedded into a
// vector at ingestion time. Fragments are immutable: the query pipeline only
// reads them.
type RecordFragment struct {
	FragmentID    string    `json:"fragment_id"`
	DocumentID    string    `json:"document_id"`
	PatientID     string    `json:"patient_id"`
	SourceName    string    `json:"source_name"`
	PageNumber    *int      `json:"page_number,omitempty"`
	SequenceIndex int       `json:"sequence_index"`
	Text          string    `json:"text"`
	Embedding     []float32 `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// RetrievalResult pairs a fragment with its similarity score for one query.
// Results are ephemeral and ordered by descending similarity.
type RetrievalResult struct {
	Fragment   RecordFragment `json:"fragment"`
	Similarity float64        `json:"similarity"`
}
