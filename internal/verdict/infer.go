package verdict

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/stagegate/internal/pipeline"
)

var (
	// falsePositive tokens look like verdict words but are names or idioms.
	falsePositive = regexp.MustCompile(`(?i)\b(?:on[-_]?fail(?:ure)?(?:[-_]handler)?|fail[-_]?(?:fast|over|safe|open|closed)|pass[-_]?(?:through|word|words|phrase)|by[-_]?pass(?:es|ed)?|compass|(?:0|zero|no)\s+(?:tests?\s+)?(?:failed|failures?|failing|errors?))\b`)

	// zeroBlocking says both the critical and the high count are zero.
	zeroBlocking = regexp.MustCompile(`(?i)\b(?:0|zero|no)\s+(?:critical\s*(?:/|,|or|and|nor)\s*(?:(?:0|zero|no)\s+)?high|high\s*(?:/|,|or|and|nor)\s*(?:(?:0|zero|no)\s+)?critical)(?:[- ]severity)?\s+(?:issues?|findings?|problems?|bugs?|vulnerabilit(?:y|ies)|defects?)\b`)

	// zeroMention is one zero count, which must not raise the severity.
	zeroMention = regexp.MustCompile(`(?i)\b(?:0|zero|no)\s+(?:critical|high)(?:[- ]severity)?\s+(?:issues?|findings?|problems?|bugs?|vulnerabilit(?:y|ies)|defects?)\b`)

	// blockingCount is a non-zero critical or high count.
	blockingCount = regexp.MustCompile(`(?i)\b(?:[1-9]\d*|an?|one|two|three|four|five|several|multiple|many)\s+(?:critical|high)\b`)

	failSignal = regexp.MustCompile(`(?i)\b(?:tests?\s+(?:are\s+)?(?:failing|failed)|failed|failing|failures?|fails?|broken|does\s+not\s+(?:compile|build|pass)|doesn't\s+(?:compile|build|pass)|build\s+errors?|regressions?|blockers?|must\s+fix|changes\s+requested|request(?:ed|ing)?\s+changes|not\s+approved|rejected)\b`)

	passSignal = regexp.MustCompile(`(?i)\b(?:all\s+tests\s+pass(?:ed|ing)?|tests?\s+pass(?:ed|ing|es)?|lgtm|approved?|looks\s+good|passed|passing|pass(?:es)?|no\s+issues(?:\s+found)?|succeeded|successful(?:ly)?)\b`)

	criticalContext = regexp.MustCompile(`(?i)\bcritical\b`)
	highContext     = regexp.MustCompile(`(?i)\b(?:high[- ]severity|severity\s*:?\s*high|high[- ]priority|security\s+(?:issue|vulnerability|hole))\b`)
)

// Infer guesses a decision from the language of text. Fail signals beat pass
// signals. Returns false when nothing in the text reads like a verdict.
func Infer(text string) (pipeline.Route, bool) {
	if strings.TrimSpace(text) == "" {
		return pipeline.Route{}, false
	}
	scrubbed := falsePositive.ReplaceAllString(text, " ")

	if zeroBlocking.MatchString(scrubbed) && !blockingCount.MatchString(scrubbed) {
		return pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}, true
	}

	if failSignal.MatchString(scrubbed) {
		sev := pipeline.SeverityMedium
		counted := zeroMention.ReplaceAllString(zeroBlocking.ReplaceAllString(scrubbed, " "), " ")
		switch {
		case criticalContext.MatchString(counted):
			sev = pipeline.SeverityCritical
		case highContext.MatchString(counted):
			sev = pipeline.SeverityHigh
		}
		return pipeline.Route{
			Verdict:  pipeline.Fail,
			Route:    pipeline.RouteDev,
			Severity: sev,
			Hint:     firstSignalLine(text, failSignal),
		}, true
	}

	if passSignal.MatchString(scrubbed) {
		return pipeline.Route{Verdict: pipeline.Pass, Route: pipeline.RouteNext}, true
	}
	return pipeline.Route{}, false
}

// firstSignalLine returns the first line of text that carries a fail signal
// once false positives are scrubbed, for use as a hint.
func firstSignalLine(text string, re *regexp.Regexp) string {
	for _, line := range strings.Split(text, "\n") {
		if re.MatchString(falsePositive.ReplaceAllString(line, " ")) {
			return truncateHint(strings.TrimSpace(line))
		}
	}
	return ""
}

// maxHintLen caps hints carried on a route.
const maxHintLen = 300

func truncateHint(s string) string {
	if len(s) <= maxHintLen {
		return s
	}
	return s[:maxHintLen] + "…"
}
