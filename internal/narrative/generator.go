// Package narrative produces chapter text for running games. The engine
// treats generated text as opaque; everything about prompts, models and
// retries stays behind the Generator interface.
package narrative

import (
	"context"

	"github.com/inkwell/storyloom/api/internal/model"
)

// Kind selects the generation template.
type Kind string

const (
	// KindFirst opens the story: introduce the world and every character.
	KindFirst Kind = "first"
	// KindWithActions continues the story incorporating player actions.
	KindWithActions Kind = "with_actions"
	// KindAutomatic continues the story when no actions were proposed.
	KindAutomatic Kind = "automatic"
)

// Fallback chapter texts, used when the backend fails mid-game. The first
// chapter has no fallback: a failed opening fails the game instead.
const (
	FallbackText      = "The story presses on, tension building as fates begin to intertwine..."
	FallbackFirstText = "A taut breeze sweeps the scene as glances cross; something is about to happen..."
)

// Context carries everything a generator may use for one chapter.
type Context struct {
	World         *model.World
	Chapters      []model.Chapter
	Characters    []model.RoomCharacter
	Actions       []model.Action
	TotalChapters int
	ChapterIndex  int
}

// Generator produces one chapter of narrative text. Calls may take seconds;
// callers must not hold locks across them. A non-nil error means the backend
// could not produce text at all; the caller decides whether that is fatal
// (first chapter) or degrades to fallback text.
type Generator interface {
	Generate(ctx context.Context, kind Kind, gc Context) (string, error)
}

// Static is a Generator returning canned text, for tests and for running
// without a narrative backend configured.
type Static struct {
	Text string
}

func (s Static) Generate(_ context.Context, kind Kind, gc Context) (string, error) {
	text := s.Text
	if text == "" {
		text = FallbackText
		if kind == KindFirst {
			text = FallbackFirstText
		}
	}
	if gc.ChapterIndex == gc.TotalChapters {
		text = ensureFinal(text)
	}
	return text, nil
}
