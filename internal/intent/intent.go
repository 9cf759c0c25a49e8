// Package intent implements §6's parsed intent grammar: a structured
// quoted form recognized exactly, and a free-form verb-lexicon fallback.
package intent

import (
	"regexp"
	"strings"

	"github.com/polzovatel/her/internal/domain"
)

var (
	reClickOn       = regexp.MustCompile(`(?i)^click on\s+["']([^"']+)["'](\s+button)?$`)
	reEnterIn       = regexp.MustCompile(`(?i)^enter\s+["']([^"']+)["']\s+in\s+["']([^"']+)["']$`)
	reTypeIn        = regexp.MustCompile(`(?i)^type\s+["']([^"']+)["']\s+in\s+["']([^"']+)["'](\s+field)?$`)
	reSelectFrom    = regexp.MustCompile(`(?i)^select\s+["']([^"']+)["']\s+from\s+["']([^"']+)["']$`)
	reValidateURL   = regexp.MustCompile(`(?i)^validate that it landed on\s+["']([^"']+)["']$`)
	reValidate      = regexp.MustCompile(`(?i)^validate\s+["']([^"']+)["']$`)
	reHoverOver     = regexp.MustCompile(`(?i)^hover over\s+["']([^"']+)["']$`)
)

// verbLexicon maps a surface verb to its canonical action, per §6's
// free-form fallback mapping.
var verbLexicon = map[string]domain.Action{
	"click": domain.ActionClick, "tap": domain.ActionClick, "press": domain.ActionClick,
	"type": domain.ActionType, "enter": domain.ActionType, "fill": domain.ActionType,
	"select": domain.ActionSelect, "choose": domain.ActionSelect,
	"hover": domain.ActionHover,
	"search": domain.ActionSearch, "find": domain.ActionSearch, "look": domain.ActionSearch,
}

var articles = map[string]bool{"the": true, "a": true, "an": true, "on": true, "to": true}

// Parse extracts (action, target_phrase, value) from a natural-language
// step, trying the structured grammar first and falling back to the
// verb-lexicon parser.
func Parse(step string) domain.Intent {
	trimmed := strings.TrimSpace(step)

	if m := reClickOn.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionClick, TargetPhrase: m[1], Raw: step}
	}
	if m := reEnterIn.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionType, TargetPhrase: m[2], Value: m[1], Raw: step}
	}
	if m := reTypeIn.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionType, TargetPhrase: m[2], Value: m[1], Raw: step}
	}
	if m := reSelectFrom.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionSelect, TargetPhrase: m[2], Value: m[1], Raw: step}
	}
	if m := reValidateURL.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionValidate, TargetPhrase: "url", Value: m[1], Raw: step}
	}
	if m := reValidate.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionValidate, TargetPhrase: m[1], Raw: step}
	}
	if m := reHoverOver.FindStringSubmatch(trimmed); m != nil {
		return domain.Intent{Action: domain.ActionHover, TargetPhrase: m[1], Raw: step}
	}

	return parseFreeForm(trimmed)
}

func parseFreeForm(step string) domain.Intent {
	tokens := strings.Fields(strings.ToLower(step))
	if len(tokens) == 0 {
		return domain.Intent{Raw: step}
	}
	action, ok := verbLexicon[tokens[0]]
	rest := tokens
	if ok {
		rest = tokens[1:]
	} else {
		action = domain.ActionClick // default assumed intent for an unrecognized leading verb
	}
	var kept []string
	for _, t := range rest {
		if articles[t] {
			continue
		}
		kept = append(kept, t)
	}
	return domain.Intent{Action: action, TargetPhrase: strings.Join(kept, " "), Raw: step}
}
