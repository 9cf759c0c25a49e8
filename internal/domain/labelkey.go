package domain

import (
	"sort"
	"strings"
)

// ComputeLabelKey canonicalizes an action and a target phrase into the
// order-independent, case-insensitive key the Promotion Store indexes on.
// Commutative in the token multiset: token order in the target phrase does
// not change the result.
func ComputeLabelKey(action, targetPhrase string) string {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(targetPhrase)))
	sort.Strings(tokens)
	return "label:" + strings.ToLower(strings.TrimSpace(action)) + "|" + strings.Join(tokens, " ")
}
