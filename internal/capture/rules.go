package capture

import (
	"regexp"
	"strings"
)

// SourceConfig describes how one banking app's notifications are recognised
type SourceConfig struct {
	SourceKey   string
	PackageName string

	StrictTitleEquals     []string
	TitleContainsAny      []string
	MessageMustContainAny []string
}

var moneyPattern = regexp.MustCompile(`s/\s?\d+([.,]\d{1,2})?`)

// DefaultSources are the payment apps the agent knows how to read
var DefaultSources = []SourceConfig{
	{
		SourceKey:             "yape",
		PackageName:           "com.bcp.innovacxion.yapeapp",
		StrictTitleEquals:     []string{"Confirmación de Pago"},
		MessageMustContainAny: []string{"recibiste", "pago", "s/"},
	},
	{
		SourceKey:             "bbva",
		PackageName:           "com.bbva.nxt_peru",
		TitleContainsAny:      []string{"bbva", "plin"},
		MessageMustContainAny: []string{"s/", "abono", "recib", "transfer", "plin"},
	},
	{
		SourceKey:             "interbank",
		PackageName:           "pe.com.interbank.mobilebanking",
		TitleContainsAny:      []string{"interbank", "plin"},
		MessageMustContainAny: []string{"s/", "plin", "pline", "te ha", "te plin", "transfer", "abono", "recib"},
	},
	{
		SourceKey:             "scotia",
		PackageName:           "pe.com.scotiabank.blpm.android.client",
		TitleContainsAny:      []string{"scotia", "scotiabank", "plin"},
		MessageMustContainAny: []string{"s/", "abono", "recib", "transfer", "plin"},
	},
}

// Rules maps package ids to their source config
type Rules struct {
	sources   []SourceConfig
	byPackage map[string]SourceConfig
}

func NewRules(sources []SourceConfig) *Rules {
	r := &Rules{byPackage: make(map[string]SourceConfig, len(sources))}
	for _, s := range sources {
		if _, dup := r.byPackage[s.PackageName]; dup {
			continue
		}
		r.byPackage[s.PackageName] = s
		r.sources = append(r.sources, s)
	}
	return r
}

// Lookup returns the source for a package id
func (r *Rules) Lookup(packageID string) (SourceConfig, bool) {
	s, ok := r.byPackage[packageID]
	return s, ok
}

// Known lists the configured package ids in declaration order
func (r *Rules) Known() []string {
	out := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.PackageName)
	}
	return out
}

// Matches reports whether title and message look like an incoming payment
// for this source.
func (s SourceConfig) Matches(title, message string) bool {
	t := strings.ToLower(title)
	m := strings.ToLower(message)

	if len(s.StrictTitleEquals) > 0 && !containsExact(s.StrictTitleEquals, title) {
		return false
	}
	if len(s.TitleContainsAny) > 0 && !containsAny(t, s.TitleContainsAny) {
		return false
	}
	if len(s.MessageMustContainAny) > 0 && !containsAny(m, s.MessageMustContainAny) {
		return false
	}
	return moneyPattern.MatchString(m)
}

// DisplayTitle falls back to the upper-cased source key for untitled notifications
func (s SourceConfig) DisplayTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return strings.ToUpper(s.SourceKey)
	}
	return title
}

// BestMessage picks expanded text first, then the short text, then the
// inbox-style lines joined by newlines.
func BestMessage(bigText, text string, lines []string) string {
	if strings.TrimSpace(bigText) != "" {
		return bigText
	}
	if strings.TrimSpace(text) != "" {
		return text
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n")
	}
	return ""
}

func containsExact(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
