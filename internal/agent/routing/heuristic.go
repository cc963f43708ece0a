package routing

import "regexp"

var (
	codeRegex    = regexp.MustCompile(`(?i)\b(function|class|import|bug|stack trace|compile|syntax error|refactor)\b`)
	reasonRegex  = regexp.MustCompile(`(?i)\b(why|prove|step by step|reason about|analy[sz]e|explain in depth)\b`)
	quickRegex   = regexp.MustCompile(`(?i)\b(quick|briefly|tl;dr|one line|yes or no)\b`)
	markdownCode = regexp.MustCompile("```")
)

// HeuristicClassifier tags a request with routing hints from regex
// matches against the last user message, grounded on nexus's
// internal/agent/routing/heuristic.go.
type HeuristicClassifier struct{}

// Classify returns zero or more of "code", "reasoning", "quick".
func (HeuristicClassifier) Classify(lastUserContent string) []string {
	var tags []string
	if codeRegex.MatchString(lastUserContent) || markdownCode.MatchString(lastUserContent) {
		tags = append(tags, "code")
	}
	if reasonRegex.MatchString(lastUserContent) {
		tags = append(tags, "reasoning")
	}
	if quickRegex.MatchString(lastUserContent) {
		tags = append(tags, "quick")
	}
	return tags
}
