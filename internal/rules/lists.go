package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mdns "github.com/miekg/dns"

	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/storage"
)

var (
	ErrInvalidDomain = errors.New("invalid domain")
	ErrInvalidType   = errors.New("invalid rule type")
	ErrRuleNotFound  = errors.New("rule not found")
)

// Lists owns the user-authored blacklist and whitelist. Every mutation is
// written to the store before the engine is refreshed; store errors are
// returned to the caller.
type Lists struct {
	store  storage.Store
	engine *Engine
	now    func() time.Time

	mu sync.Mutex
}

func NewLists(store storage.Store, engine *Engine) *Lists {
	return &Lists{store: store, engine: engine, now: time.Now}
}

func keyFor(t models.RuleType) (string, error) {
	switch t {
	case models.RuleTypeBlacklist:
		return storage.KeyBlacklist, nil
	case models.RuleTypeWhitelist:
		return storage.KeyWhitelist, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
}

func (l *Lists) read(ctx context.Context, t models.RuleType) ([]models.DomainRule, error) {
	key, err := keyFor(t)
	if err != nil {
		return nil, err
	}
	var rules []models.DomainRule
	if _, err := storage.GetJSON(ctx, l.store, key, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Load pushes the persisted lists into the engine.
func (l *Lists) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refresh(ctx)
}

func (l *Lists) refresh(ctx context.Context) error {
	black, err := l.read(ctx, models.RuleTypeBlacklist)
	if err != nil {
		return err
	}
	white, err := l.read(ctx, models.RuleTypeWhitelist)
	if err != nil {
		return err
	}
	l.engine.LoadCustomRules(domains(black), domains(white))
	return nil
}

// List returns the rules of type t in insertion order.
func (l *Lists) List(ctx context.Context, t models.RuleType) ([]models.DomainRule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rules, err := l.read(ctx, t)
	if rules == nil && err == nil {
		rules = []models.DomainRule{}
	}
	return rules, err
}

// Add appends domain to the list of type t. Adding a domain that is already
// present returns the existing rule.
func (l *Lists) Add(ctx context.Context, domain string, t models.RuleType, note string) (models.DomainRule, error) {
	d := normalize(domain)
	if !validDomain(d) {
		return models.DomainRule{}, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	key, err := keyFor(t)
	if err != nil {
		return models.DomainRule{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rules, err := l.read(ctx, t)
	if err != nil {
		return models.DomainRule{}, err
	}
	for _, r := range rules {
		if r.Domain == d {
			return r, nil
		}
	}

	rule := models.DomainRule{
		ID:      uuid.NewString(),
		Domain:  d,
		Type:    t,
		AddedAt: l.now().UTC(),
		Note:    note,
	}
	rules = append(rules, rule)
	if err := storage.SetJSON(ctx, l.store, key, rules); err != nil {
		return models.DomainRule{}, err
	}
	return rule, l.refresh(ctx)
}

func validDomain(d string) bool {
	if d == "" || strings.ContainsAny(d, " \t*/:@") {
		return false
	}
	_, ok := mdns.IsDomainName(d)
	return ok
}

// Remove deletes the rule with id from whichever list holds it.
func (l *Lists) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range []models.RuleType{models.RuleTypeBlacklist, models.RuleTypeWhitelist} {
		rules, err := l.read(ctx, t)
		if err != nil {
			return err
		}
		for i, r := range rules {
			if r.ID != id {
				continue
			}
			key, _ := keyFor(t)
			rules = append(rules[:i], rules[i+1:]...)
			if err := storage.SetJSON(ctx, l.store, key, rules); err != nil {
				return err
			}
			return l.refresh(ctx)
		}
	}
	return ErrRuleNotFound
}

func domains(rules []models.DomainRule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Domain)
	}
	return out
}
