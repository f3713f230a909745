package rules

import (
	"strings"
	"sync"

	"github.com/winspan/dnsguard/internal/models"
)

// Engine decides whether a domain should be blocked. It never errors: an
// unmatched domain is allowed with category unknown.
type Engine struct {
	mu sync.RWMutex

	general *ruleSet
	child   *ruleSet

	blacklist map[string]struct{}
	whitelist map[string]struct{}

	childProtection bool
}

// NewEngine returns an engine with empty built-in and custom sets.
func NewEngine() *Engine {
	return &Engine{
		general:   newRuleSet(nil),
		child:     newRuleSet(nil),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
	}
}

// normalize lowercases, trims whitespace and strips a trailing root dot.
func normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, ".")
}

// inSet reports whether name or one of its parent domains is in set.
// Each probe is a map lookup.
func inSet(set map[string]struct{}, name string) bool {
	if len(set) == 0 {
		return false
	}
	for d := name; d != ""; {
		if _, ok := set[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return false
}

// ShouldBlock evaluates whitelist, custom blacklist, the general list and,
// when child protection is on, the child list, in that order.
func (e *Engine) ShouldBlock(domain string) bool {
	name := normalize(domain)
	if name == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if inSet(e.whitelist, name) {
		return false
	}
	if inSet(e.blacklist, name) {
		return true
	}
	if e.general.match(name) != nil {
		return true
	}
	if e.childProtection && e.child.match(name) != nil {
		return true
	}
	return false
}

// GetCategory returns the category of the first built-in rule matching
// domain. Custom blacklist entries carry no category.
func (e *Engine) GetCategory(domain string) models.Category {
	name := normalize(domain)
	if name == "" {
		return models.CategoryUnknown
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if r := e.general.match(name); r != nil {
		return r.Category
	}
	if e.childProtection {
		if r := e.child.match(name); r != nil {
			return r.Category
		}
	}
	return models.CategoryUnknown
}

// LoadCustomRules atomically replaces both custom sets.
func (e *Engine) LoadCustomRules(blacklist, whitelist []string) {
	black := toSet(blacklist)
	white := toSet(whitelist)

	e.mu.Lock()
	e.blacklist = black
	e.whitelist = white
	e.mu.Unlock()
}

// LoadBuiltins atomically replaces the general and child deny lists.
func (e *Engine) LoadBuiltins(general, child []models.FilterRule) {
	g := newRuleSet(general)
	c := newRuleSet(child)

	e.mu.Lock()
	e.general = g
	e.child = c
	e.mu.Unlock()
}

func (e *Engine) SetChildProtectionMode(enabled bool) {
	e.mu.Lock()
	e.childProtection = enabled
	e.mu.Unlock()
}

func (e *Engine) ChildProtectionMode() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.childProtection
}

func (e *Engine) AddToBlacklist(domain string)      { e.mutate(&e.blacklist, domain, true) }
func (e *Engine) RemoveFromBlacklist(domain string) { e.mutate(&e.blacklist, domain, false) }
func (e *Engine) AddToWhitelist(domain string)      { e.mutate(&e.whitelist, domain, true) }
func (e *Engine) RemoveFromWhitelist(domain string) { e.mutate(&e.whitelist, domain, false) }

func (e *Engine) mutate(set *map[string]struct{}, domain string, add bool) {
	d := normalize(domain)
	if d == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		(*set)[d] = struct{}{}
	} else {
		delete(*set, d)
	}
}

// Sizes reports how many rules each set holds.
func (e *Engine) Sizes() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]int{
		"general":   e.general.size,
		"child":     e.child.size,
		"blacklist": len(e.blacklist),
		"whitelist": len(e.whitelist),
	}
}

func toSet(domains []string) map[string]struct{} {
	out := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if n := normalize(d); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}
