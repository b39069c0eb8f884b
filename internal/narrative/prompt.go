package narrative

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const systemPrompt = `You are an invisible narrator for collaborative stories. Write in third person; never say "Narrator" or refer to yourself.

CORE RULES (MANDATORY):
1. CHARACTERS: Use ONLY the provided characters as protagonists. Do not invent new protagonists.
2. CONTINUITY: Keep strict continuity with previous chapters. Never ignore established events or characters.
3. CONSISTENCY: Characters keep their established personalities, abilities and backgrounds.
4. CONSEQUENCES: Every action has logical consequences consistent with the world.
5. PROGRESSION: Each chapter advances the main narrative without drifting into irrelevant subplots.

STRUCTURE:
- Weave characters in by name and distinctive traits, naturally in the action.
- Resolve player actions with clear consequences (success, failure or cost).
- Keep the tone immersive, descriptive and dynamic.
- Length: 500-800 words.
- End with a micro-cliffhanger (except the final chapter).

FORBIDDEN:
- No lists, bullet points or headings inside the narrative.
- No JSON, tags or meta-commentary.
- Do not contradict established events.

OUTPUT: Only the chapter text, no prefixes or explanations.`

// arcPhase returns the narrative-arc instruction for a chapter position.
// Climax lands at roughly 70% of the story, escalation from the midpoint.
func arcPhase(index, total int) string {
	climax := total - 1
	if total > 2 {
		climax = max(2, int(math.Round(float64(total)*0.7)))
	}
	midpoint := 2
	if total > 3 {
		midpoint = max(2, int(math.Round(float64(total)*0.5)))
	}

	switch {
	case index == 1:
		return "PHASE: ESTABLISHMENT (opening chapter).\n" +
			"GOAL: Introduce every provided character in action. Establish the central conflict. " +
			"Build the initial tension that justifies the adventure."
	case index == total:
		return fmt.Sprintf("PHASE: FINAL RESOLUTION (final chapter %d/%d).\n", index, total) +
			"CRITICAL GOAL: This is the LAST chapter. Provide a complete, satisfying conclusion. " +
			"Resolve the central conflict. Do not introduce new major conflicts. " +
			"Show the final consequences of every decision and close with an epilogue. " +
			"The chapter MUST end with 'FIN.' on its own line."
	case index == climax:
		return fmt.Sprintf("PHASE: CLIMAX (chapter %d/%d).\n", index, total) +
			"GOAL: Point of maximum tension. The central conflict reaches its most intense moment. " +
			"Character actions here are crucial and have definitive consequences. " +
			"Set up the resolution for the remaining chapter(s)."
	case index >= midpoint:
		return fmt.Sprintf("PHASE: ESCALATION (chapter %d/%d).\n", index, total) +
			"GOAL: Intensify the established conflict. Complicate the situation and add obstacles " +
			"that force the characters to use their unique abilities. Build toward the climax."
	default:
		return fmt.Sprintf("PHASE: DEVELOPMENT (chapter %d/%d).\n", index, total) +
			"GOAL: Develop the established conflict, continuing directly from the previous chapter. " +
			"Keep the same characters active and advance the plot without side stories."
	}
}

// compactChapters trims prior chapters to keep the prompt affordable,
// preserving more of the most recent ones.
func compactChapters(gc Context) []string {
	out := make([]string, 0, len(gc.Chapters))
	for i, ch := range gc.Chapters {
		text := strings.Join(strings.Fields(ch.Content), " ")
		limit := 250
		if i >= len(gc.Chapters)-2 {
			limit = 400
		}
		if len(text) > limit {
			text = text[:limit] + "..."
		}
		out = append(out, fmt.Sprintf("Ch.%d: %s", ch.ChapterNumber, text))
	}
	return out
}

func charactersJSON(gc Context) string {
	type char struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Background string `json:"background,omitempty"`
	}
	chars := make([]char, 0, len(gc.Characters))
	for _, c := range gc.Characters {
		chars = append(chars, char{ID: c.CharacterID, Name: c.CharacterName, Background: c.Background})
	}
	b, _ := json.Marshal(chars)
	return string(b)
}

func actionsJSON(gc Context) string {
	type act struct {
		UserID      string `json:"user_id"`
		CharacterID string `json:"character_id,omitempty"`
		Action      string `json:"action"`
	}
	acts := make([]act, 0, len(gc.Actions))
	for _, a := range gc.Actions {
		acts = append(acts, act{UserID: a.UserID, CharacterID: a.CharacterID, Action: a.ActionText})
	}
	b, _ := json.Marshal(acts)
	return string(b)
}

func worldLine(gc Context) string {
	if gc.World == nil {
		return "WORLD: unspecified setting."
	}
	return fmt.Sprintf("WORLD: %s | LOGIC: %s | ERA: %s | SETTING: %s",
		gc.World.Summary, gc.World.Logic, gc.World.TimePeriod, gc.World.SpaceSetting)
}

// buildPrompt assembles the user prompt for one chapter.
func buildPrompt(kind Kind, gc Context) string {
	if kind == KindFirst {
		var b strings.Builder
		b.WriteString("Template: first chapter.\n\n")
		b.WriteString(worldLine(gc) + "\n\n")
		b.WriteString("Selected characters (JSON): " + charactersJSON(gc) + "\n\n")
		b.WriteString("Introduce each character by name and unique traits woven into the action, not as a character sheet.\n\n")
		b.WriteString("Goal: establish the setting and initial conflict, and present ALL selected characters in an active situation.\n")
		b.WriteString("Style: third person, immersive, no narrator voice. Length: 500-800 words. Close with a micro-cliffhanger.\n\n")
		b.WriteString("Output: only the chapter text.")
		return b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== CHAPTER %d/%d ===\n\n", gc.ChapterIndex, gc.TotalChapters)
	b.WriteString(arcPhase(gc.ChapterIndex, gc.TotalChapters) + "\n\n")
	b.WriteString("RULE: this story centers exclusively on the characters below. Keep absolute coherence with prior events.\n\n")
	b.WriteString(worldLine(gc) + "\n\n")
	b.WriteString("PROTAGONISTS (use ALL): " + charactersJSON(gc) + "\n\n")
	if prev := compactChapters(gc); len(prev) > 0 {
		b.WriteString("PREVIOUS CHAPTERS: " + strings.Join(prev, " ") + "\n\n")
	}
	if kind == KindWithActions && len(gc.Actions) > 0 {
		b.WriteString("PLAYER ACTIONS TO INTEGRATE: " + actionsJSON(gc) + "\n")
		b.WriteString("For each action, decide whether it succeeds, partially fails, or carries an unexpected cost. Show the consequences in the narrative; do not explain them.\n\n")
	} else {
		b.WriteString("NO ACTIONS: continue the story naturally, keeping the characters active and their motivations present.\n\n")
	}
	if gc.ChapterIndex == gc.TotalChapters {
		b.WriteString("CLOSE: resolve the story completely, no cliffhanger, end with 'FIN.' on its own line.\n\n")
	} else {
		b.WriteString("CLOSE: end with a micro-cliffhanger building anticipation for the next chapter.\n\n")
	}
	b.WriteString("WRITE THE CHAPTER:")
	return b.String()
}

// ensureFinal guarantees the closing marker on a final chapter.
func ensureFinal(text string) string {
	if strings.HasSuffix(strings.TrimSpace(text), "FIN.") {
		return text
	}
	return text + "\n\nFIN."
}
