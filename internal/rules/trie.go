package rules

import (
	"regexp"
	"strings"

	"github.com/winspan/dnsguard/internal/models"
)

// node is one label in a trie keyed by reversed domain labels:
// "ads.example.com" is stored as com -> example -> ads.
type node struct {
	children map[string]*node
	rule     *models.FilterRule // set when a rule ends at this label
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) insert(domain string, rule *models.FilterRule) {
	labels := strings.Split(domain, ".")
	cur := n
	for i := len(labels) - 1; i >= 0; i-- {
		next, ok := cur.children[labels[i]]
		if !ok {
			next = newNode()
			cur.children[labels[i]] = next
		}
		cur = next
	}
	if cur.rule == nil {
		cur.rule = rule
	}
}

// lookup returns the most specific rule whose domain equals name or is a
// parent of name.
func (n *node) lookup(name string) *models.FilterRule {
	var found *models.FilterRule
	cur := n
	end := len(name)
	for end > 0 {
		start := strings.LastIndexByte(name[:end], '.') + 1
		next, ok := cur.children[name[start:end]]
		if !ok {
			break
		}
		cur = next
		if cur.rule != nil {
			found = cur.rule
		}
		end = start - 1
	}
	return found
}

type wildcard struct {
	re   *regexp.Regexp
	rule *models.FilterRule
}

// compileWildcard turns "*.ads.*" into ^.*\.ads\..*$ (case-insensitive).
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(strings.ToLower(pattern), "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// ruleSet is one built-in deny list: suffix rules in a trie plus wildcard
// patterns checked in load order.
type ruleSet struct {
	root      *node
	wildcards []wildcard
	size      int
}

func newRuleSet(rules []models.FilterRule) *ruleSet {
	rs := &ruleSet{root: newNode()}
	for i := range rules {
		r := rules[i]
		if r.IsWildcard {
			pattern := r.Pattern
			if pattern == "" {
				pattern = r.Domain
			}
			re, err := compileWildcard(pattern)
			if err != nil {
				continue
			}
			rs.wildcards = append(rs.wildcards, wildcard{re: re, rule: &r})
			rs.size++
			continue
		}
		d := normalize(r.Domain)
		if d == "" {
			continue
		}
		rs.root.insert(d, &r)
		rs.size++
	}
	return rs
}

func (rs *ruleSet) match(name string) *models.FilterRule {
	if rs == nil {
		return nil
	}
	if r := rs.root.lookup(name); r != nil {
		return r
	}
	for _, w := range rs.wildcards {
		if w.re.MatchString(name) {
			return w.rule
		}
	}
	return nil
}
