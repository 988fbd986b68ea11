package summarizer

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/callrelay/internal/agents"
)

// ExtractedData holds fields pulled from the transcript without a model call.
type ExtractedData struct {
	CustomerName string
	// Engagement is "high", "medium" or "unknown".
	Engagement string
}

// nonNames are capitalized words customers commonly open a sentence with.
var nonNames = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "sure": true, "okay": true, "hi": true,
	"hello": true, "hey": true, "the": true, "that": true, "this": true, "well": true,
	"not": true, "thanks": true, "thank": true, "what": true, "how": true, "can": true,
	"i'm": true, "i'd": true, "i'll": true, "i've": true, "it's": true, "sorry": true,
	"maybe": true, "right": true, "good": true, "great": true, "just": true,
}

// ExtractData guesses the customer's name from the first capitalized word in
// their turns and grades engagement from affirmative or hesitant wording.
func ExtractData(history []agents.Turn) ExtractedData {
	var data ExtractedData

	for _, turn := range history {
		if turn.Role != agents.RoleCustomer {
			continue
		}
		if name := firstNameCandidate(turn.Content); name != "" {
			data.CustomerName = name
			break
		}
	}

	words := map[string]bool{}
	var full strings.Builder
	for _, turn := range history {
		text := strings.ToLower(turn.Content)
		full.WriteString(text)
		full.WriteByte(' ')
		for _, w := range strings.FieldsFunc(text, notWordRune) {
			words[w] = true
		}
	}
	text := full.String()
	interested := words["interested"] && !strings.Contains(text, "not interested")

	switch {
	case words["yes"] || interested:
		data.Engagement = "high"
	case words["maybe"] || strings.Contains(text, "not sure"):
		data.Engagement = "medium"
	default:
		data.Engagement = "unknown"
	}
	return data
}

func firstNameCandidate(text string) string {
	for _, raw := range strings.Fields(text) {
		word := strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
		word = strings.TrimSuffix(strings.TrimSuffix(word, "'s"), "'")
		runes := []rune(word)
		if len(runes) <= 2 || !unicode.IsUpper(runes[0]) {
			continue
		}
		if nonNames[strings.ToLower(word)] {
			continue
		}
		return word
	}
	return ""
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && r != '\''
}
