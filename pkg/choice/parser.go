package choice

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Prompt is a choice or form request detected in provider output
type Prompt struct {
	Kind      Kind
	Questions []Question
}

// ParsePrompt scans free-form provider text for an embedded choice or
// form request and returns it when one is found. The detection is a
// best-effort heuristic kept out of the flow state machine: emitting
// models vary between fenced code blocks and bare JSON, and between
// string options and {id, label} objects, so everything here is
// lenient. A text without a recognizable block simply returns ok=false.
func ParsePrompt(text string) (*Prompt, bool) {
	for _, candidate := range jsonCandidates(text) {
		parsed := gjson.Parse(candidate)
		if !parsed.IsObject() {
			continue
		}

		switch parsed.Get("type").String() {
		case "choice":
			q, ok := parseQuestion(parsed, "q1")
			if !ok {
				continue
			}
			return &Prompt{Kind: KindSingle, Questions: []Question{q}}, true

		case "form":
			raw := parsed.Get("questions")
			if !raw.IsArray() {
				continue
			}
			var questions []Question
			valid := true
			raw.ForEach(func(_, value gjson.Result) bool {
				q, ok := parseQuestion(value, fmt.Sprintf("q%d", len(questions)+1))
				if !ok {
					valid = false
					return false
				}
				questions = append(questions, q)
				return true
			})
			if !valid || len(questions) == 0 {
				continue
			}
			return &Prompt{Kind: KindMulti, Questions: questions}, true
		}
	}

	return nil, false
}

// parseQuestion reads one question object. The question text may live
// under "question" or "text"; options may be plain strings or objects.
func parseQuestion(value gjson.Result, fallbackID string) (Question, bool) {
	text := value.Get("question").String()
	if text == "" {
		text = value.Get("text").String()
	}
	if strings.TrimSpace(text) == "" {
		return Question{}, false
	}

	id := value.Get("id").String()
	if id == "" {
		id = fallbackID
	}

	rawOptions := value.Get("options")
	if !rawOptions.IsArray() {
		return Question{}, false
	}

	var options []Option
	rawOptions.ForEach(func(_, opt gjson.Result) bool {
		switch {
		case opt.IsObject():
			label := opt.Get("label").String()
			if label == "" {
				return true
			}
			optID := opt.Get("id").String()
			if optID == "" {
				optID = fmt.Sprintf("opt%d", len(options)+1)
			}
			options = append(options, Option{ID: optID, Label: label})
		default:
			label := strings.TrimSpace(opt.String())
			if label == "" {
				return true
			}
			options = append(options, Option{
				ID:    fmt.Sprintf("opt%d", len(options)+1),
				Label: label,
			})
		}
		return true
	})

	if len(options) == 0 {
		return Question{}, false
	}

	return Question{ID: id, Text: strings.TrimSpace(text), Options: options}, true
}

// jsonCandidates extracts substrings that look like JSON objects:
// fenced ```json blocks first, then the outermost brace span.
func jsonCandidates(text string) []string {
	var candidates []string

	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		body = strings.TrimPrefix(body, "json")
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		candidates = append(candidates, strings.TrimSpace(body[:end]))
		rest = body[end+3:]
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first >= 0 && last > first {
		candidates = append(candidates, text[first:last+1])
	}

	return candidates
}
