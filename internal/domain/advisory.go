package domain

// AdvisoryView is the advisory document as resolved from the advisory
// store. Advisories are authored upstream with no fixed schema, so the
// view is a loose document; consumers resolve fields through ordered
// fallback chains rather than assuming any particular shape.
type AdvisoryView map[string]interface{}

// Indicator is one indicator of compromise attached to an advisory.
type Indicator struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}
