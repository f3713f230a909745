package rules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/winspan/dnsguard/internal/models"
)

// ParseList reads a deny list in hosts ("0.0.0.0 domain") or plain
// (one domain per line) format. Lines may carry a trailing "# comment".
// Entries containing '*' become wildcard rules. A line may override the
// list category with a third hosts field or a second plain field, e.g.
// "doubleclick.net ad".
func ParseList(r io.Reader, category models.Category) ([]models.FilterRule, error) {
	var out []models.FilterRule
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		domain, cat := parseLine(sc.Text())
		if domain == "" {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}

		rule := models.FilterRule{Domain: domain, Category: category}
		if cat != "" {
			rule.Category = models.ParseCategory(cat)
		}
		if strings.Contains(domain, "*") {
			rule.Pattern = domain
			rule.IsWildcard = true
		}
		out = append(out, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	return out, nil
}

// parseLine extracts the domain (and optional category) from one line.
func parseLine(line string) (domain, category string) {
	if idx := strings.Index(line, "#"); idx != -1 {
		line = line[:idx]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}

	switch fields[0] {
	case "0.0.0.0", "127.0.0.1", "::1", "0":
		fields = fields[1:]
		if len(fields) == 0 {
			return "", ""
		}
	}

	d := strings.ToLower(fields[0])
	d = strings.TrimPrefix(d, "||")
	d = strings.TrimSuffix(d, "^")
	d = strings.Trim(d, ".")
	if d == "" || d == "localhost" {
		return "", ""
	}
	if len(fields) > 1 {
		category = strings.ToLower(fields[1])
	}
	return d, category
}

// LoadFile parses the list at path.
func LoadFile(path string, category models.Category) ([]models.FilterRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list %s: %w", path, err)
	}
	defer f.Close()
	return ParseList(f, category)
}

// DefaultGeneral is the general deny list compiled into the binary.
func DefaultGeneral() []models.FilterRule {
	return []models.FilterRule{
		{Domain: "doubleclick.net", Category: models.CategoryAd},
		{Domain: "googlesyndication.com", Category: models.CategoryAd},
		{Domain: "googleadservices.com", Category: models.CategoryAd},
		{Domain: "adnxs.com", Category: models.CategoryAd},
		{Domain: "ads.yahoo.com", Category: models.CategoryAd},
		{Domain: "google-analytics.com", Category: models.CategoryTracker},
		{Domain: "googletagmanager.com", Category: models.CategoryTracker},
		{Domain: "scorecardresearch.com", Category: models.CategoryTracker},
		{Domain: "hotjar.com", Category: models.CategoryTracker},
		{Domain: "mixpanel.com", Category: models.CategoryTracker},
		{Domain: "app-measurement.com", Category: models.CategoryTracker},
		{Domain: "*.ads.*", Pattern: "*.ads.*", Category: models.CategoryAd, IsWildcard: true},
		{Domain: "ad.*.com", Pattern: "ad.*.com", Category: models.CategoryAd, IsWildcard: true},
		{Domain: "*.tracking.*", Pattern: "*.tracking.*", Category: models.CategoryTracker, IsWildcard: true},
	}
}

// DefaultChild is the child-protection deny list compiled into the binary.
func DefaultChild() []models.FilterRule {
	return []models.FilterRule{
		{Domain: "pornhub.com", Category: models.CategoryContent},
		{Domain: "xvideos.com", Category: models.CategoryContent},
		{Domain: "xnxx.com", Category: models.CategoryContent},
		{Domain: "bet365.com", Category: models.CategoryContent},
		{Domain: "pokerstars.com", Category: models.CategoryContent},
		{Domain: "omegle.com", Category: models.CategoryContent},
		{Domain: "*.casino.*", Pattern: "*.casino.*", Category: models.CategoryContent, IsWildcard: true},
		{Domain: "*.porn.*", Pattern: "*.porn.*", Category: models.CategoryContent, IsWildcard: true},
	}
}

// LoadBuiltinFiles returns the general and child lists from disk, falling
// back to the compiled-in defaults for an empty path.
func LoadBuiltinFiles(generalPath, childPath string) (general, child []models.FilterRule, err error) {
	general = DefaultGeneral()
	child = DefaultChild()
	if generalPath != "" {
		if general, err = LoadFile(generalPath, models.CategoryUnknown); err != nil {
			return nil, nil, err
		}
	}
	if childPath != "" {
		if child, err = LoadFile(childPath, models.CategoryContent); err != nil {
			return nil, nil, err
		}
	}
	return general, child, nil
}
