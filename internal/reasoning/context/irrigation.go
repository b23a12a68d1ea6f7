package context

import (
	"sort"

	"github.com/shivangiamit/hackathon/internal/models"
)

// SummarizeIrrigation condenses a window of events. The dominant trigger is
// the most frequent one, ties broken alphabetically.
func SummarizeIrrigation(events []models.IrrigationEvent, windowDays int) *models.IrrigationSummary {
	s := &models.IrrigationSummary{Events: len(events), WindowDays: windowDays}
	if len(events) == 0 {
		return s
	}

	counts := make(map[string]int)
	var totalMin float64
	last := events[0].StartedAt
	for _, e := range events {
		s.TotalLiters += e.Liters
		totalMin += e.DurationMin
		counts[e.Trigger]++
		if e.StartedAt.After(last) {
			last = e.StartedAt
		}
	}
	s.AvgDurationMin = totalMin / float64(len(events))
	s.LastIrrigation = &last

	triggers := make([]string, 0, len(counts))
	for t := range counts {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	best := 0
	for _, t := range triggers {
		if counts[t] > best {
			best = counts[t]
			s.DominantTrigger = t
		}
	}
	return s
}
