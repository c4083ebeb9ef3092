package template

import (
	"fmt"
	"strings"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

// FirstPresent resolves a field through an ordered fallback chain:
// the first key holding a non-empty string value wins, otherwise def.
// All field access in the renderer goes through here so the fallback
// policy lives in one tested place.
func FirstPresent(view domain.AdvisoryView, keys []string, def string) string {
	for _, k := range keys {
		if v, ok := view[k]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return def
}

// FirstPresentList resolves a list-valued field through a fallback
// chain. Accepts both arrays and single scalar values (upstream
// documents are inconsistent about this).
func FirstPresentList(view domain.AdvisoryView, keys []string) []string {
	for _, k := range keys {
		v, ok := view[k]
		if !ok || v == nil {
			continue
		}
		switch list := v.(type) {
		case []string:
			if out := compact(list); len(out) > 0 {
				return out
			}
		case []interface{}:
			items := make([]string, 0, len(list))
			for _, e := range list {
				items = append(items, stringify(e))
			}
			if out := compact(items); len(out) > 0 {
				return out
			}
		default:
			if s := stringify(v); s != "" {
				return []string{s}
			}
		}
	}
	return nil
}

// FirstPresentMaps resolves a field holding a list of objects
// (indicator rows, tactic rows) through a fallback chain.
func FirstPresentMaps(view domain.AdvisoryView, keys []string) []map[string]interface{} {
	for _, k := range keys {
		v, ok := view[k]
		if !ok {
			continue
		}
		list, ok := v.([]interface{})
		if !ok {
			continue
		}
		out := make([]map[string]interface{}, 0, len(list))
		for _, e := range list {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	case bool:
		return fmt.Sprintf("%v", s)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", s))
	}
}

func compact(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// indicatorSanitizer strips characters that would break out of HTML
// attributes when an indicator value is interpolated into the table.
var indicatorSanitizer = strings.NewReplacer("<", "", ">", "", `"`, "", ";", "")

// SanitizeIndicator cleans an indicator value for safe interpolation.
func SanitizeIndicator(value string) string {
	return strings.TrimSpace(indicatorSanitizer.Replace(value))
}
