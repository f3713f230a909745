package models

import "time"

// RuleType defines whether a user rule is whitelist or blacklist
type RuleType string

const (
	RuleTypeWhitelist RuleType = "whitelist"
	RuleTypeBlacklist RuleType = "blacklist"
)

// Category classifies a built-in filter rule
type Category string

const (
	CategoryTracker Category = "tracker"
	CategoryAd      Category = "ad"
	CategoryContent Category = "content"
	CategoryUnknown Category = "unknown"
)

// ParseCategory maps a list label to a Category. Unrecognised labels are unknown.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryTracker, CategoryAd, CategoryContent:
		return Category(s)
	default:
		return CategoryUnknown
	}
}

// DomainRule is a user-authored whitelist/blacklist entry
type DomainRule struct {
	ID      string    `json:"id"`
	Domain  string    `json:"domain"`
	Type    RuleType  `json:"type"`
	AddedAt time.Time `json:"addedAt"`
	Note    string    `json:"note,omitempty"`
}

// FilterRule is a built-in deny rule loaded at startup
type FilterRule struct {
	Domain     string   `json:"domain"`
	Category   Category `json:"category"`
	Pattern    string   `json:"pattern,omitempty"` // e.g. "*.ads.*"
	IsWildcard bool     `json:"isWildcard"`
}

// Settings is the persisted user settings record
type Settings struct {
	ChildProtection        bool   `json:"childProtection"`
	HealthCheckIntervalSec int    `json:"healthCheckIntervalSec"`
	PreferredProvider      string `json:"preferredProvider,omitempty"`
}
