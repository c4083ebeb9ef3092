package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

// TrackingHandles carries the tracking hooks the renderer injects: a
// beacon image URL and a rewriter applied to every outbound link.
// Either may be unset for untracked sends.
type TrackingHandles struct {
	BeaconURL   string
	RewriteLink func(rawURL, linkID string) string
}

func (h *TrackingHandles) rewrite(rawURL, linkID string) string {
	if h == nil || h.RewriteLink == nil {
		return rawURL
	}
	return h.RewriteLink(rawURL, linkID)
}

var defaultRecommendations = []string{
	"Apply vendor patches to all affected systems as soon as practicable",
	"Review logs and telemetry for the indicators of compromise listed in this advisory",
	"Restrict exposure of affected services until remediation is complete",
}

type reference struct {
	Label string
	URL   string
}

type tacticRow struct {
	Tactic    string
	Technique string
	ID        string
}

type indicatorGroup struct {
	Category string
	Values   []string
}

// buildBindings flattens an advisory document plus the operator message
// into the typed bindings the liquid template consumes. Every field
// resolves through an ordered fallback chain so rendering is total.
func buildBindings(view domain.AdvisoryView, operatorMessage string, handles *TrackingHandles) map[string]interface{} {
	title := FirstPresent(view, []string{"title", "display_title"}, "Advisory")
	severity := strings.ToUpper(FirstPresent(view, []string{"criticality", "severity"}, "MEDIUM"))
	tlp := strings.ToUpper(FirstPresent(view, []string{"tlp", "tlp_level"}, "CLEAR"))

	published := FirstPresent(view, []string{"published_at", "published", "date", "created_at"},
		time.Now().Format("02 Jan 2006"))

	cves := FirstPresentList(view, []string{"cves", "cve_ids", "cve", "cveIds"})
	if len(cves) == 0 {
		cves = []string{"No CVE identified"}
	}

	products := FirstPresentList(view, []string{"affected_products", "affected", "products"})
	if len(products) == 0 {
		products = []string{"Not specified"}
	}

	summary := FirstPresent(view,
		[]string{"executive_summary", "summary", "description"}, "No summary available")
	paragraphs := splitParagraphs(summary)

	recommendations := FirstPresentList(view, []string{"recommendations", "mitigations"})
	if len(recommendations) == 0 {
		recommendations = defaultRecommendations
	}

	refs := buildReferences(view, handles)
	tactics := buildTactics(view)
	indicators := buildIndicatorGroups(view)

	bindings := map[string]interface{}{
		"title":            title,
		"severity":         severity,
		"severity_color":   severityColor(severity),
		"tlp":              tlp,
		"published":        published,
		"cves":             cves,
		"products":         products,
		"paragraphs":       paragraphs,
		"recommendations":  recommendations,
		"references":       refs,
		"has_references":   len(refs) > 0,
		"tactics":          tactics,
		"has_tactics":      len(tactics) > 0,
		"indicators":       indicators,
		"has_indicators":   len(indicators) > 0,
		"operator_message": strings.TrimSpace(operatorMessage),
		"year":             time.Now().Year(),
	}
	return bindings
}

func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"No summary available"}
	}
	return out
}

func buildReferences(view domain.AdvisoryView, handles *TrackingHandles) []map[string]interface{} {
	urls := FirstPresentList(view, []string{"references", "links", "reference_urls"})
	out := make([]map[string]interface{}, 0, len(urls))
	for i, u := range urls {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		out = append(out, map[string]interface{}{
			"label": u,
			"url":   handles.rewrite(u, fmt.Sprintf("ref-%d", i+1)),
		})
	}
	return out
}

func buildTactics(view domain.AdvisoryView) []map[string]interface{} {
	rows := FirstPresentMaps(view, []string{"mitre_tactics", "tactics", "ttps"})
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		tactic := FirstPresent(row, []string{"tactic", "name"}, "")
		technique := FirstPresent(row, []string{"technique", "technique_name"}, "")
		id := FirstPresent(row, []string{"technique_id", "id"}, "")
		if tactic == "" && technique == "" {
			continue
		}
		out = append(out, map[string]interface{}{
			"tactic":    tactic,
			"technique": technique,
			"id":        id,
		})
	}
	return out
}

// buildIndicatorGroups categorizes indicators by type, classifying bare
// hashes by length, and sanitizes every value before interpolation. An
// empty result omits the whole panel.
func buildIndicatorGroups(view domain.AdvisoryView) []map[string]interface{} {
	rows := FirstPresentMaps(view, []string{"iocs", "indicators", "indicators_of_compromise"})

	// Some documents carry indicators as a flat string list
	var flat []string
	if len(rows) == 0 {
		flat = FirstPresentList(view, []string{"iocs", "indicators", "indicators_of_compromise"})
	}

	grouped := map[string][]string{}
	var order []string
	add := func(category, value string) {
		value = SanitizeIndicator(value)
		if value == "" {
			return
		}
		if _, seen := grouped[category]; !seen {
			order = append(order, category)
		}
		grouped[category] = append(grouped[category], value)
	}

	for _, row := range rows {
		value := FirstPresent(row, []string{"value", "indicator"}, "")
		typ := FirstPresent(row, []string{"type", "ioc_type"}, "")
		add(categorizeIndicator(typ, value), value)
	}
	for _, value := range flat {
		add(categorizeIndicator("", value), value)
	}

	out := make([]map[string]interface{}, 0, len(order))
	for _, cat := range order {
		out = append(out, map[string]interface{}{
			"category": cat,
			"values":   grouped[cat],
		})
	}
	return out
}

func categorizeIndicator(typ, value string) string {
	switch strings.ToLower(typ) {
	case "ip", "ipv4", "ipv6", "ip_address":
		return "IP Addresses"
	case "domain", "hostname":
		return "Domains"
	case "url":
		return "URLs"
	case "email":
		return "Email Addresses"
	case "md5", "sha1", "sha256", "hash", "file_hash":
		return hashCategory(value)
	case "":
		if looksLikeHash(value) {
			return hashCategory(value)
		}
		return "Other Indicators"
	default:
		t := strings.ToLower(typ)
		return strings.ToUpper(t[:1]) + t[1:] + " Indicators"
	}
}

func hashCategory(value string) string {
	switch len(strings.TrimSpace(value)) {
	case 32:
		return "MD5 Hashes"
	case 40:
		return "SHA1 Hashes"
	case 64:
		return "SHA256 Hashes"
	default:
		return "File Hashes"
	}
}

func looksLikeHash(value string) bool {
	value = strings.TrimSpace(value)
	switch len(value) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, c := range value {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func severityColor(severity string) string {
	switch severity {
	case "CRITICAL":
		return "#b91c1c"
	case "HIGH":
		return "#ea580c"
	case "MEDIUM":
		return "#ca8a04"
	case "LOW":
		return "#15803d"
	default:
		return "#475569"
	}
}
