// Package renderer implements the client-side paced reveal of streamed
// answers. The renderer consumes a logical answer that may already be
// complete or may still be growing, and exposes a visible prefix that
// advances at a fixed cadence regardless of how fast the source arrives.
package renderer

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Cadence selects the unit the reveal cursor advances by on each tick.
type Cadence int

const (
	// CadenceCharacter reveals one rune per tick.
	CadenceCharacter Cadence = iota
	// CadenceWord reveals through the next word boundary per tick.
	CadenceWord
)

// State is the renderer lifecycle. A new distinct input resets to Idle.
type State int

const (
	StateIdle State = iota
	StateRevealing
	StateComplete
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRevealing:
		return "revealing"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Renderer paces the reveal of one logical answer at a time. Safe for
// concurrent use: the transport appends text while a ticker advances the
// cursor.
type Renderer struct {
	mu      sync.Mutex
	cadence Cadence
	target  []rune
	cursor  int
	final   bool
	state   State
}

// New creates a renderer with the given cadence.
func New(cadence Cadence) *Renderer {
	return &Renderer{cadence: cadence}
}

// SetText replaces or extends the answer being revealed. Text that extends
// the current answer keeps the reveal cursor; a distinct answer resets the
// reveal to empty so old and new text are never mixed. final marks the text
// as fully arrived.
func (r *Renderer) SetText(text string, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runes := []rune(text)
	if !r.extends(runes) {
		r.target = runes
		r.cursor = 0
		r.final = final
		r.state = StateIdle
		if len(runes) > 0 {
			r.state = StateRevealing
		}
		return
	}

	r.target = runes
	r.final = final
	if r.state == StateComplete && (r.cursor < len(r.target) || !final) {
		r.state = StateRevealing
	}
	if r.state == StateIdle && len(runes) > 0 {
		r.state = StateRevealing
	}
}

// Append adds a streamed chunk to the current answer.
func (r *Renderer) Append(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.target = append(r.target, []rune(chunk)...)
	if len(r.target) > 0 && r.state != StateComplete {
		r.state = StateRevealing
	}
}

// Finalize marks the current answer as fully arrived; the reveal completes
// once the cursor catches up.
func (r *Renderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = true
	r.settle()
}

// Tick advances the visible prefix by one cadence unit. The cursor never
// moves past the currently available text, even when ticks outpace arrival.
func (r *Renderer) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRevealing {
		return
	}

	switch r.cadence {
	case CadenceWord:
		r.cursor = nextWordBoundary(r.target, r.cursor)
	default:
		r.cursor++
	}
	if r.cursor > len(r.target) {
		r.cursor = len(r.target)
	}
	r.settle()
}

// Visible returns the currently revealed prefix.
func (r *Renderer) Visible() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.target[:r.cursor])
}

// State returns the renderer's current lifecycle state.
func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run drives the reveal on a real clock, invoking onFrame after every
// visible change, until the reveal completes or the context is cancelled.
func (r *Renderer) Run(ctx context.Context, interval time.Duration, onFrame func(visible string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
			if onFrame != nil {
				onFrame(r.Visible())
			}
			if r.State() == StateComplete {
				return
			}
		}
	}
}

// settle completes the reveal when the cursor has consumed a final text.
// Callers hold the lock.
func (r *Renderer) settle() {
	if r.final && r.cursor == len(r.target) && len(r.target) > 0 {
		r.state = StateComplete
	}
}

// extends reports whether runes grows the current target in place, meaning
// the revealed prefix is still valid. Callers hold the lock.
func (r *Renderer) extends(runes []rune) bool {
	if len(r.target) == 0 {
		return false
	}
	if len(runes) < len(r.target) {
		return false
	}
	return strings.HasPrefix(string(runes), string(r.target))
}

// nextWordBoundary returns the cursor position just past the next word,
// including the whitespace that follows it.
func nextWordBoundary(runes []rune, from int) int {
	i := from
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	for i < len(runes) && !unicode.IsSpace(runes[i]) {
		i++
	}
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i
}
