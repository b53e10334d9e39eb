package enhance

import (
	"sort"
	"strings"
	"unicode"
)

// The extractors below are deliberately rule-based. They run on every event,
// so they must be cheap, deterministic, and dependency-free; model-backed
// extraction can replace them behind the same functions later.

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "i": true, "in": true, "is": true, "it": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "we": true, "were": true, "will": true, "with": true,
	"you": true,
}

var positiveWords = map[string]bool{
	"success": true, "succeeded": true, "passed": true, "fixed": true,
	"resolved": true, "works": true, "working": true, "good": true,
	"great": true, "done": true, "completed": true, "shipped": true,
}

var negativeWords = map[string]bool{
	"fail": true, "failed": true, "failure": true, "error": true, "bug": true,
	"broken": true, "crash": true, "crashed": true, "timeout": true,
	"regression": true, "bad": true, "wrong": true, "blocked": true,
}

// topicLexicon maps trigger terms to coarse topic labels.
var topicLexicon = map[string]string{
	"deploy": "deploy", "deployment": "deploy", "release": "deploy",
	"rollback": "deploy", "auth": "auth", "login": "auth", "token": "auth",
	"password": "auth", "test": "testing", "tests": "testing", "ci": "testing",
	"database": "database", "migration": "database", "sql": "database",
	"cache": "performance", "latency": "performance", "slow": "performance",
	"memory": "performance",
}

// ExtractEntities returns lowercase entity keys found in text. Capitalized
// tokens and snake/dotted identifiers count as entities; plain stopwords and
// sentence-leading capitals alone do not produce noise worth filtering further.
func ExtractEntities(text string) []string {
	seen := map[string]bool{}
	entities := []string{}
	for _, tok := range tokenize(text) {
		if len(tok) < 2 {
			continue
		}
		lower := strings.ToLower(tok)
		if stopwords[lower] {
			continue
		}
		capitalized := unicode.IsUpper([]rune(tok)[0])
		identifier := strings.ContainsAny(tok, "._-") || hasDigit(tok)
		if !capitalized && !identifier {
			continue
		}
		if !seen[lower] {
			seen[lower] = true
			entities = append(entities, lower)
		}
	}
	sort.Strings(entities)
	return entities
}

// ExtractTopics maps content terms and explicit tags to topic labels.
func ExtractTopics(text string, tags []string) []string {
	seen := map[string]bool{}
	topics := []string{}
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	for _, tag := range tags {
		add(tag)
	}
	for _, tok := range tokenize(text) {
		if topic, ok := topicLexicon[strings.ToLower(tok)]; ok {
			add(topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// DetectSentiment returns "positive", "negative" or "neutral" from word
// polarity counts.
func DetectSentiment(text string) string {
	var pos, neg int
	for _, tok := range tokenize(text) {
		lower := strings.ToLower(tok)
		if positiveWords[lower] {
			pos++
		}
		if negativeWords[lower] {
			neg++
		}
	}
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}

// ClassifyIntent buckets content into question / request / report / inform.
func ClassifyIntent(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") {
		return "question"
	}
	lower := strings.ToLower(trimmed)
	for _, verb := range []string{"please ", "can you", "could you", "run ", "deploy ", "fix ", "create ", "delete ", "update "} {
		if strings.HasPrefix(lower, verb) {
			return "request"
		}
	}
	for _, marker := range []string{"failed", "error", "succeeded", "completed", "finished"} {
		if strings.Contains(lower, marker) {
			return "report"
		}
	}
	return "inform"
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-'
	})
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
