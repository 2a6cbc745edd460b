// Package intent recognizes a conversational intent from normalized inbound
// text using per-domain pattern sets. Recognition is deterministic and
// layered: confirmation patterns, then keywords, then phrases, then lemmas.
// The first layer that produces a hit wins across all intents, so a short
// confirmation like "1" is never stolen by a looser phrase match.
package intent

import (
	"log/slog"
	"strings"

	"github.com/convoroute/convoroute/internal/models"
)

// Recognize returns the intent key matched by the input, or "" when no
// pattern set claims it. Button ids are checked against keyword lists so
// channels that deliver button presses as ids still recognize them.
func Recognize(input models.NormalizedInput, intents []models.DomainIntent) string {
	if input.IsEmpty() {
		return ""
	}
	text := input.RawText
	tokens := strings.Fields(text)

	for _, d := range intents {
		if matchConfirmation(d.ConfirmationPatterns, text) {
			slog.Debug("intent: matched confirmation pattern", "intent", d.Intent)
			return d.Intent
		}
	}
	for _, d := range intents {
		if matchKeywords(d.Keywords, text, tokens, input.ButtonID) {
			slog.Debug("intent: matched keyword", "intent", d.Intent)
			return d.Intent
		}
	}
	for _, d := range intents {
		if matchPhrases(d.Phrases, text) {
			slog.Debug("intent: matched phrase", "intent", d.Intent)
			return d.Intent
		}
	}
	for _, d := range intents {
		if matchLemmas(d.Lemmas, tokens) {
			slog.Debug("intent: matched lemma", "intent", d.Intent)
			return d.Intent
		}
	}
	return ""
}

// matchConfirmation checks whole-message equality. Confirmation answers are
// short and exact; substring matching here would make "2 cuotas" confirm.
func matchConfirmation(patterns []string, text string) bool {
	for _, p := range patterns {
		if p != "" && text == p {
			return true
		}
	}
	return false
}

// matchKeywords matches a keyword against the button id, the whole text, or
// any single token.
func matchKeywords(keywords []string, text string, tokens []string, buttonID string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if buttonID != "" && buttonID == kw {
			return true
		}
		if text == kw {
			return true
		}
		for _, tok := range tokens {
			if tok == kw {
				return true
			}
		}
	}
	return false
}

func matchPhrases(phrases []models.IntentPattern, text string) bool {
	for _, p := range phrases {
		if p.Pattern == "" {
			continue
		}
		switch p.PatternType {
		case "contains":
			if strings.Contains(text, p.Pattern) {
				return true
			}
		case "prefix":
			if strings.HasPrefix(text, p.Pattern) {
				return true
			}
		default: // exact
			if text == p.Pattern {
				return true
			}
		}
	}
	return false
}

// matchLemmas matches word roots against token prefixes, so "pag" covers
// "pagar", "pago" and "pagos".
func matchLemmas(lemmas []string, tokens []string) bool {
	for _, lemma := range lemmas {
		if lemma == "" {
			continue
		}
		for _, tok := range tokens {
			if strings.HasPrefix(tok, lemma) {
				return true
			}
		}
	}
	return false
}
