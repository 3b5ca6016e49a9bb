package renderer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func drain(r *Renderer, maxTicks int) string {
	for i := 0; i < maxTicks && r.State() == StateRevealing; i++ {
		r.Tick()
	}
	return r.Visible()
}

func TestCharacterCadenceRevealsIncrementally(t *testing.T) {
	r := New(CadenceCharacter)
	r.SetText("HbA1c", true)

	assert.Equal(t, StateRevealing, r.State())
	r.Tick()
	assert.Equal(t, "H", r.Visible())
	r.Tick()
	assert.Equal(t, "Hb", r.Visible())

	visible := drain(r, 100)
	assert.Equal(t, "HbA1c", visible)
	assert.Equal(t, StateComplete, r.State())
}

func TestWordCadenceRevealsWordAtATime(t *testing.T) {
	r := New(CadenceWord)
	r.SetText("The latest HbA1c was 7.1%", true)

	r.Tick()
	assert.Equal(t, "The ", r.Visible())
	r.Tick()
	assert.Equal(t, "latest ", strings.TrimPrefix(r.Visible(), "The "))

	visible := drain(r, 100)
	assert.Equal(t, "The latest HbA1c was 7.1%", visible)
	assert.Equal(t, StateComplete, r.State())
}

func TestNeverRevealsPastAvailableText(t *testing.T) {
	r := New(CadenceCharacter)
	r.Append("Hi")

	// Ticks far outpace arrival.
	for i := 0; i < 50; i++ {
		r.Tick()
	}
	assert.Equal(t, "Hi", r.Visible())
	// Text is still growing, so the reveal is not complete.
	assert.Equal(t, StateRevealing, r.State())

	r.Append(" there")
	r.Finalize()
	visible := drain(r, 100)
	assert.Equal(t, "Hi there", visible)
	assert.Equal(t, StateComplete, r.State())
}

func TestDistinctInputResetsReveal(t *testing.T) {
	r := New(CadenceCharacter)
	r.SetText("first answer", true)
	r.Tick()
	r.Tick()
	r.Tick()
	assert.Equal(t, "fir", r.Visible())

	r.SetText("second answer", true)
	assert.Equal(t, "", r.Visible())

	r.Tick()
	assert.Equal(t, "s", r.Visible())

	visible := drain(r, 100)
	assert.Equal(t, "second answer", visible)
	assert.NotContains(t, visible, "first")
}

func TestGrowingInputKeepsCursor(t *testing.T) {
	r := New(CadenceCharacter)
	r.SetText("Glu", false)
	r.Tick()
	r.Tick()
	assert.Equal(t, "Gl", r.Visible())

	// Same logical answer, grown by the stream.
	r.SetText("Glucose 104", true)
	assert.Equal(t, "Gl", r.Visible())

	visible := drain(r, 100)
	assert.Equal(t, "Glucose 104", visible)
}

func TestAlreadyCompleteTextStillPaced(t *testing.T) {
	r := New(CadenceCharacter)
	r.SetText("done", true)

	// Even a fully available answer reveals one unit per tick.
	r.Tick()
	assert.Equal(t, "d", r.Visible())
	assert.Equal(t, StateRevealing, r.State())
}

func TestIdleUntilInput(t *testing.T) {
	r := New(CadenceCharacter)
	assert.Equal(t, StateIdle, r.State())
	r.Tick()
	assert.Equal(t, "", r.Visible())
}
