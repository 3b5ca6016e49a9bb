package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentToFragment(t *testing.T) {
	doc := map[string]interface{}{
		"id":             "f1",
		"patient_id":     "patient-1",
		"document_id":    "d1",
		"source_name":    "labs.pdf",
		"page_number":    float64(3),
		"sequence_index": float64(7),
		"text":           "HbA1c 7.2%",
	}

	fragment := documentToFragment(doc)

	assert.Equal(t, "f1", fragment.FragmentID)
	assert.Equal(t, "patient-1", fragment.PatientID)
	assert.Equal(t, 7, fragment.SequenceIndex)
	require.NotNil(t, fragment.PageNumber)
	assert.Equal(t, 3, *fragment.PageNumber)
}

func TestDocumentToFragmentMissingOptionalFields(t *testing.T) {
	doc := map[string]interface{}{
		"id":   "f1",
		"text": "note",
	}

	fragment := documentToFragment(doc)

	assert.Equal(t, "f1", fragment.FragmentID)
	assert.Nil(t, fragment.PageNumber)
	assert.Zero(t, fragment.SequenceIndex)
}

func TestIntFieldVariants(t *testing.T) {
	doc := map[string]interface{}{
		"a": float64(2),
		"b": 3,
		"c": "4",
		"d": "not a number",
	}

	v, ok := intField(doc, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = intField(doc, "b")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = intField(doc, "c")
	assert.True(t, ok)
	assert.Equal(t, 4, v)

	_, ok = intField(doc, "d")
	assert.False(t, ok)

	_, ok = intField(doc, "missing")
	assert.False(t, ok)
}
