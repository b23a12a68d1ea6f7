package context

import (
	"fmt"
	"strings"

	"github.com/shivangiamit/hackathon/internal/models"
)

const (
	maxFormattedIssues  = 3
	maxFormattedHistory = 2
)

// Format renders a bundle as the context section of a prompt. Sections
// appear in a fixed order and empty sections are left out, except the
// current readings which are always present. Unmeasured metrics are not
// listed.
func Format(b *ContextBundle) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder

	sb.WriteString("CURRENT SENSOR READINGS:\n")
	for _, m := range b.Snapshot.Measured().Metrics() {
		fmt.Fprintf(&sb, "- %s: %s\n", m.Label(), formatValue(m, b.Snapshot.Value(m)))
	}
	if b.Snapshot.Crop != "" {
		fmt.Fprintf(&sb, "- Crop: %s\n", b.Snapshot.Crop)
	}
	motor := "off"
	if b.Snapshot.MotorOn {
		motor = "on"
	}
	if b.Snapshot.ManualOverride {
		motor += " (manual override)"
	}
	fmt.Fprintf(&sb, "- Pump: %s\n", motor)

	if len(b.Trends) > 0 {
		fmt.Fprintf(&sb, "\nRECENT TRENDS (%d days):\n", b.Metadata.Profile.WindowDays)
		for _, t := range b.Trends {
			line := fmt.Sprintf("- %s: %s -> %s (%+.1f%%, %s", t.Metric.Label(),
				formatValue(t.Metric, t.Start), formatValue(t.Metric, t.Current), t.PercentChange, t.Direction)
			if t.Severity != "" {
				line += ", " + string(t.Severity)
			}
			line += ")"
			if t.Outliers > 0 {
				line += fmt.Sprintf(" [%d unusual readings]", t.Outliers)
			}
			sb.WriteString(line + "\n")
		}
	}

	if issues := issueLines(b); len(issues) > 0 {
		sb.WriteString("\nDETECTED ISSUES:\n")
		for _, line := range issues {
			sb.WriteString("- " + line + "\n")
		}
	}

	if len(b.Conversations) > 0 {
		sb.WriteString("\nRECENT HISTORY:\n")
		for i, c := range b.Conversations {
			if i == maxFormattedHistory {
				break
			}
			line := fmt.Sprintf("- %s: asked %q; advised: %s", c.Timestamp.Format("2006-01-02"), c.Query, c.Summary())
			if c.Success != nil {
				outcome := "did not work"
				if *c.Success {
					outcome = "worked"
				}
				line += " (outcome: " + outcome + ")"
			}
			sb.WriteString(line + "\n")
		}
	}

	if ir := b.Irrigation; ir != nil {
		fmt.Fprintf(&sb, "\nIRRIGATION PATTERN (%d days):\n", ir.WindowDays)
		if ir.Events == 0 {
			sb.WriteString("- No irrigation logged\n")
		} else {
			fmt.Fprintf(&sb, "- %d events, %.0f L total, %.0f min average\n", ir.Events, ir.TotalLiters, ir.AvgDurationMin)
			if ir.LastIrrigation != nil {
				fmt.Fprintf(&sb, "- Last irrigation: %s\n", ir.LastIrrigation.Format("2006-01-02 15:04"))
			}
			if ir.DominantTrigger != "" {
				fmt.Fprintf(&sb, "- Mostly %s\n", ir.DominantTrigger)
			}
		}
	}

	if prefs := preferenceLines(b.FarmerProfile); len(prefs) > 0 {
		sb.WriteString("\nFARMER PREFERENCES:\n")
		for _, line := range prefs {
			sb.WriteString("- " + line + "\n")
		}
	}

	return sb.String()
}

func formatValue(m models.Metric, v float64) string {
	switch m {
	case models.MetricPH:
		return fmt.Sprintf("%.1f", v)
	case models.MetricNitrogen, models.MetricPhosphorus, models.MetricPotassium:
		return fmt.Sprintf("%.0f%s", v, m.Unit())
	default:
		return fmt.Sprintf("%.1f%s", v, m.Unit())
	}
}

// issueLines lists anomalies first, then moisture and pH assessments of
// medium urgency or worse, capped at maxFormattedIssues.
func issueLines(b *ContextBundle) []string {
	var out []string
	for _, a := range b.Anomalies {
		out = append(out, fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Message))
	}
	if m := b.Moisture; m != nil && notable(m.Urgency) {
		out = append(out, fmt.Sprintf("[%s] Irrigation: %s", strings.ToUpper(string(m.Urgency)), m.Reason))
	}
	if p := b.PH; p != nil && notable(p.Urgency) {
		out = append(out, fmt.Sprintf("[%s] Soil pH: %s", strings.ToUpper(string(p.Urgency)), p.Reason))
	}
	if len(out) > maxFormattedIssues {
		out = out[:maxFormattedIssues]
	}
	return out
}

func notable(u models.Urgency) bool {
	return u == models.UrgencyMedium || u == models.UrgencyHigh || u == models.UrgencyCritical
}

func preferenceLines(p *models.FarmerProfile) []string {
	if p == nil {
		return nil
	}
	var out []string
	if len(p.PreferredMethods) > 0 {
		out = append(out, "Preferred methods: "+strings.Join(p.PreferredMethods, ", "))
	}
	if len(p.RecurringIssues) > 0 {
		out = append(out, "Recurring issues: "+strings.Join(p.RecurringIssues, ", "))
	}
	if p.SuccessfulActions+p.FailedActions > 0 {
		out = append(out, fmt.Sprintf("Past advice success rate: %.0f%%", p.ResponseRate*100))
	}
	return out
}
