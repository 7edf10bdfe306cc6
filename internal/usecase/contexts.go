package usecase

import (
	"math"
	"strings"

	"chatbot-backend/internal/domain"
)

// SelectContexts keeps the contexts carrying the highest lifespan count.
// Contexts without a lifespan are never selected. Ties keep encounter order.
func SelectContexts(contexts []domain.RawContext) []domain.RecentContext {
	selected := []domain.RecentContext{}
	best := math.MinInt
	for _, c := range contexts {
		if c.LifespanCount == nil {
			continue
		}
		count := *c.LifespanCount
		switch {
		case count > best:
			best = count
			selected = []domain.RecentContext{{Name: shortContextName(c.Name), LifespanCount: count}}
		case count == best:
			selected = append(selected, domain.RecentContext{Name: shortContextName(c.Name), LifespanCount: count})
		}
	}
	return selected
}

func shortContextName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
