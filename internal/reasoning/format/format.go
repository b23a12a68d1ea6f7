// Package format post-processes a final answer into the structured parts of
// a query result: recommended actions, alerts and insights.
//
// Extraction is text-only. Nothing here calls a model.
package format

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shivangiamit/hackathon/internal/models"
	ctxbuilder "github.com/shivangiamit/hackathon/internal/reasoning/context"
)

const (
	MaxActions = 5
	MaxAlerts  = 3

	minActionRunes = 10
	maxActionRunes = 150
	maxAlertRunes  = 240
)

var (
	numberedLine = regexp.MustCompile(`^\s*\d+\.\s+(.+)$`)
	bulletLine   = regexp.MustCompile(`^\s*[-•*]\s+(.+)$`)

	urgentWords = regexp.MustCompile(`(?i)\b(urgent|urgently|immediately|critical|emergency|asap|today|right now)\b`)
	highWords   = regexp.MustCompile(`(?i)\b(soon|important|priority|tomorrow|quickly)\b`)
	mediumWords = regexp.MustCompile(`(?i)\bwithin\b`)

	alertWords    = regexp.MustCompile(`(?i)\b(critical|dangerous|must|immediately|urgent)\b`)
	criticalWords = regexp.MustCompile(`(?i)\b(critical|dangerous)\b`)

	sentenceEnd = regexp.MustCompile(`[.!?](\s+|$)`)

	metricPatterns = func() map[models.Metric]*regexp.Regexp {
		out := make(map[models.Metric]*regexp.Regexp, len(models.AllMetrics))
		for _, m := range models.AllMetrics {
			out[m] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(string(m)) + `\b`)
		}
		return out
	}()
)

// Format extracts the structured output for answer. A panic during
// extraction is returned as an error with empty lists and the answer text
// kept.
func Format(answer string, bundle *ctxbuilder.ContextBundle) (out models.FormattedOutput, err error) {
	out.ResponseText = strings.TrimSpace(answer)
	defer func() {
		if r := recover(); r != nil {
			out = models.FormattedOutput{ResponseText: strings.TrimSpace(answer)}
			err = fmt.Errorf("format: panic: %v", r)
		}
	}()

	out.Actions = ExtractActions(answer)
	if bundle != nil {
		out.Alerts = ExtractAlerts(answer, bundle.Anomalies)
		out.Insights = ExtractInsights(answer, bundle.Trends, bundle.SimilarQueries)
	} else {
		out.Alerts = ExtractAlerts(answer, nil)
	}
	return out, nil
}

// ExtractActions returns up to MaxActions recommended steps. Numbered lines
// are taken before bulleted ones; entries of 10 runes or fewer or 150 runes
// or more are ignored.
func ExtractActions(answer string) []models.Action {
	lines := strings.Split(answer, "\n")
	var candidates []string
	for _, re := range []*regexp.Regexp{numberedLine, bulletLine} {
		for _, line := range lines {
			if m := re.FindStringSubmatch(line); m != nil {
				candidates = append(candidates, cleanItem(m[1]))
			}
		}
	}

	actions := make([]models.Action, 0, MaxActions)
	for _, c := range candidates {
		n := utf8.RuneCountInString(c)
		if n <= minActionRunes || n >= maxActionRunes {
			continue
		}
		actions = append(actions, models.Action{Text: c, Priority: PriorityOf(c)})
		if len(actions) == MaxActions {
			break
		}
	}
	return actions
}

// PriorityOf grades an action by its wording.
func PriorityOf(text string) models.Priority {
	switch {
	case urgentWords.MatchString(text):
		return models.PriorityUrgent
	case highWords.MatchString(text):
		return models.PriorityHigh
	case mediumWords.MatchString(text):
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// ExtractAlerts lists high-severity sensor anomalies first, then warning
// sentences from the answer, up to MaxAlerts.
func ExtractAlerts(answer string, anomalies []models.Anomaly) []models.Alert {
	var alerts []models.Alert
	seen := make(map[string]bool)
	add := func(a models.Alert) bool {
		key := strings.ToLower(a.Message)
		if seen[key] {
			return false
		}
		seen[key] = true
		alerts = append(alerts, a)
		return len(alerts) == MaxAlerts
	}

	for _, an := range anomalies {
		if an.Severity != models.AnomalyHigh {
			continue
		}
		if add(models.Alert{Source: "sensor", Severity: string(models.AnomalyHigh), Message: "Sensor alert: " + an.Message}) {
			return alerts
		}
	}

	for _, s := range sentences(answer) {
		if !alertWords.MatchString(s) || utf8.RuneCountInString(s) > maxAlertRunes {
			continue
		}
		severity := "warning"
		if criticalWords.MatchString(s) {
			severity = "critical"
		}
		if add(models.Alert{Source: "response", Severity: severity, Message: s}) {
			return alerts
		}
	}
	return alerts
}

// ExtractInsights ties the answer back to the data: one insight per trend
// whose metric the answer mentions, plus the first similar past query that
// worked.
func ExtractInsights(answer string, trends []models.TrendRecord, similar []models.ConversationRecord) []models.Insight {
	var insights []models.Insight
	for _, t := range trends {
		re, ok := metricPatterns[t.Metric]
		if !ok || !re.MatchString(answer) {
			continue
		}
		insights = append(insights, models.Insight{
			Kind:   "trend",
			Metric: t.Metric,
			Message: fmt.Sprintf("%s is %s: %.1f -> %.1f (%+.1f%%) over %d days",
				t.Metric.Label(), t.Direction, t.Start, t.Current, t.PercentChange, t.WindowDays),
		})
	}
	for _, c := range similar {
		if c.Success != nil && *c.Success {
			msg := fmt.Sprintf("A similar question on %s was resolved: %s", c.Timestamp.Format("2006-01-02"), c.Summary())
			if c.ActionTaken != "" {
				msg += fmt.Sprintf(" (action taken: %s)", c.ActionTaken)
			}
			insights = append(insights, models.Insight{Kind: "history", Message: msg})
			break
		}
	}
	return insights
}

// cleanItem strips markdown emphasis and surrounding whitespace.
func cleanItem(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return strings.TrimSpace(s)
}

// sentences splits text on sentence punctuation and line breaks, dropping
// list markers.
func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			line = m[1]
		} else if m := bulletLine.FindStringSubmatch(line); m != nil {
			line = m[1]
		}
		line = cleanItem(line)
		for len(line) > 0 {
			loc := sentenceEnd.FindStringIndex(line)
			if loc == nil {
				out = appendNonEmpty(out, line)
				break
			}
			out = appendNonEmpty(out, line[:loc[0]+1])
			line = line[loc[1]:]
		}
	}
	return out
}

func appendNonEmpty(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
