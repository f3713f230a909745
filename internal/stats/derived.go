package stats

import (
	"sort"

	"github.com/winspan/dnsguard/internal/models"
)

// Categorizer resolves the rule category of a domain.
type Categorizer interface {
	GetCategory(domain string) models.Category
}

// BlockRate is blocked/total as a percentage.
func BlockRate(c *models.StatisticsCounters) float64 {
	if c == nil || c.TotalRequests == 0 {
		return 0
	}
	return float64(c.BlockedRequests) * 100 / float64(c.TotalRequests)
}

// AverageLatency is totalLatency/totalRequests in ms.
func AverageLatency(c *models.StatisticsCounters) float64 {
	if c == nil || c.TotalRequests == 0 {
		return 0
	}
	return float64(c.TotalLatency) / float64(c.TotalRequests)
}

// CategoryBreakdown counts blocked logs per rule category.
func CategoryBreakdown(logs []models.DnsLog, cat Categorizer) map[models.Category]int {
	out := make(map[models.Category]int)
	for _, l := range logs {
		if l.Status != models.StatusBlocked {
			continue
		}
		c := models.CategoryUnknown
		if cat != nil {
			c = cat.GetCategory(l.Domain)
		}
		out[c]++
	}
	return out
}

// DayPoint is one entry of a daily series.
type DayPoint struct {
	Date string `json:"date"`
	models.DailyStats
}

// Daily returns the day buckets sorted by date, oldest first.
func Daily(c *models.StatisticsCounters) []DayPoint {
	if c == nil {
		return nil
	}
	out := make([]DayPoint, 0, len(c.DailyStats))
	for day, d := range c.DailyStats {
		out = append(out, DayPoint{Date: day, DailyStats: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Summary is the read model served to clients.
type Summary struct {
	Counters       *models.StatisticsCounters `json:"counters"`
	BlockRate      float64                    `json:"blockRate"`
	AverageLatency float64                    `json:"averageLatency"`
	Categories     map[models.Category]int    `json:"categories"`
	Daily          []DayPoint                 `json:"daily"`
}

// Summarize computes every derived metric.
func Summarize(c *models.StatisticsCounters, logs []models.DnsLog, cat Categorizer) Summary {
	return Summary{
		Counters:       c,
		BlockRate:      BlockRate(c),
		AverageLatency: AverageLatency(c),
		Categories:     CategoryBreakdown(logs, cat),
		Daily:          Daily(c),
	}
}
