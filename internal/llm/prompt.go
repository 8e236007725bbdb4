package llm

import (
	"fmt"
	"strings"
)

// SystemInstruction is shared by every provider
const SystemInstruction = `You read anonymous messages and pictures people share about how they feel.
Answer with 3 to 5 single-word emotion keywords, lowercase, separated by commas.
Do not add explanations, numbering or any other text.`

// ImagePrompt accompanies an inline image
const ImagePrompt = "Which emotions does this image express? Reply only with comma-separated keywords."

// TextPrompt builds the user prompt for a text submission
func TextPrompt(text string) string {
	return fmt.Sprintf("Which emotions does this message express? Reply only with comma-separated keywords.\n\nMessage:\n%s", text)
}

// Keywords turns a raw answer into an ordered list of distinct lowercase keywords
func Keywords(raw string) []string {
	raw = cleanMarkdown(raw)

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})

	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		k := strings.ToLower(strings.TrimSpace(f))
		k = strings.TrimLeft(k, "-*•0123456789. ")
		k = strings.Trim(k, ` "'.!`+"`")
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// cleanMarkdown removes markdown code fences if present
func cleanMarkdown(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if i := strings.IndexByte(text, '\n'); i >= 0 && !strings.Contains(text[:i], ",") {
			text = text[i+1:] // language tag line
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}
