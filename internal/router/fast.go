package router

import (
	"regexp"
	"strings"
)

// FastClassifier implements pattern-based intent detection. It makes no
// network calls and handles greetings, explicit document questions and
// news-style questions.
type FastClassifier struct {
	rules []fastRule
}

// fastRule is one ordered pattern set. The first rule with a matching
// pattern decides.
type fastRule struct {
	name       string
	intent     Intent
	confidence float64
	useIndex   bool
	useWeb     bool
	patterns   []*regexp.Regexp
}

// NewFastClassifier creates a classifier with the built-in rule sets.
// documentKeywords are extra phrases (matched case-insensitively on word
// boundaries) that route to the document index.
func NewFastClassifier(documentKeywords ...string) *FastClassifier {
	rules := buildRules()
	for i := range rules {
		if rules[i].intent != IntentDocuments {
			continue
		}
		for _, kw := range documentKeywords {
			kw = normalize(kw)
			if kw == "" {
				continue
			}
			rules[i].patterns = append(rules[i].patterns,
				regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
		}
	}
	return &FastClassifier{rules: rules}
}

// Classify returns a decision when a rule matches the normalized query.
func (c *FastClassifier) Classify(query string) (*RoutingDecision, bool) {
	d, _, ok := c.ClassifyWithMatch(query)
	return d, ok
}

// ClassifyWithMatch also returns the pattern that matched. Useful for
// debugging rule sets.
func (c *FastClassifier) ClassifyWithMatch(query string) (*RoutingDecision, string, bool) {
	q := normalize(query)
	if q == "" {
		return nil, "", false
	}

	for _, rule := range c.rules {
		for _, p := range rule.patterns {
			if !p.MatchString(q) {
				continue
			}
			return &RoutingDecision{
				Intent:     rule.intent,
				UseIndex:   rule.useIndex,
				UseWeb:     rule.useWeb,
				Confidence: rule.confidence,
				Reasoning:  "matched " + rule.name + " pattern",
				Path:       PathFast,
			}, p.String(), true
		}
	}
	return nil, "", false
}

// buildRules returns the rule sets in evaluation order.
func buildRules() []fastRule {
	return []fastRule{
		{
			name:       "greeting",
			intent:     IntentGreeting,
			confidence: 0.95,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`^(hi|hello|hey|hiya|howdy|yo|greetings|bonjour|salut|coucou|hola|ciao|hallo)( there| all| everyone| team)?[\s!.,]*((how are you|how's it going|what's up|ça va|comment ça va)( doing| today)?[\s?!.]*)?$`),
				regexp.MustCompile(`^good (morning|afternoon|evening|night)( to you)?[\s!.,]*$`),
				regexp.MustCompile(`^(how are you|how's it going|what's up|ça va|comment ça va)( doing| today)?[\s?!.]*$`),
				regexp.MustCompile(`^(thanks|thank you|thx|merci|cheers)( so much| a lot| beaucoup)?[\s!.,]*$`),
				regexp.MustCompile(`^(bye|goodbye|see you|au revoir)[\s!.,]*$`),
			},
		},
		{
			name:       "documents",
			intent:     IntentDocuments,
			confidence: 0.9,
			useIndex:   true,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(my|our)\s+(uploaded\s+|own\s+|internal\s+|shared\s+)?(documents?|docs|files?|notes|pdfs?|uploads|records|contracts?|reports?)\b`),
				regexp.MustCompile(`\b(the\s+)?(uploaded|attached)\s+(documents?|docs|files?|pdfs?)\b`),
				regexp.MustCompile(`\b(in|from|according to)\s+(the|my|our)\s+(documents?|docs|knowledge\s*base|files?)\b`),
				regexp.MustCompile(`\bknowledge\s*base\b`),
				regexp.MustCompile(`\b(documents?|files?)\s+(i|we)\s+(uploaded|shared|sent|gave you)\b`),
				regexp.MustCompile(`\b(mes|nos)\s+(documents?|fichiers?|notes)\b`),
			},
		},
		{
			name:       "news",
			intent:     IntentWebSearch,
			confidence: 0.85,
			useWeb:     true,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(latest|breaking|recent|current)\s+(news|updates?|events?|developments?|headlines|release|version|price)\b`),
				regexp.MustCompile(`\b(news|headlines)\b`),
				regexp.MustCompile(`\b(today|today's|tonight|yesterday|this (week|month|morning))\b`),
				regexp.MustCompile(`\bright now\b`),
				regexp.MustCompile(`\bwhat('s| is) happening\b`),
				regexp.MustCompile(`\b(weather|stock price|exchange rate|score)\b`),
				regexp.MustCompile(`\bactualités|\baujourd'hui\b`),
			},
		},
	}
}

var spaceRun = regexp.MustCompile(`\s+`)

// normalize trims, lower-cases and collapses whitespace. It is the cache key.
func normalize(query string) string {
	return spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(query)), " ")
}
