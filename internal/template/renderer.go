// Package template renders advisory notification emails. Rendering is
// total: missing fields resolve through fallback chains and a render
// failure degrades to a minimal document instead of failing the send.
package template

import (
	"fmt"
	"html"
	"strings"

	"github.com/osteele/liquid"

	"github.com/inteldesk/advisory-notifier/internal/domain"
	"github.com/inteldesk/advisory-notifier/internal/pkg/logger"
)

// Renderer turns an advisory document plus an optional operator message
// into the HTML email body.
type Renderer struct {
	engine *liquid.Engine
	tpl    *liquid.Template
}

// NewRenderer parses the advisory layout once up front.
func NewRenderer() (*Renderer, error) {
	engine := liquid.NewEngine()
	tpl, err := engine.ParseString(advisoryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse advisory template: %w", err)
	}
	return &Renderer{engine: engine, tpl: tpl}, nil
}

// Render produces the email body. It never fails: on any render error
// the minimal fallback document is returned instead, carrying the title,
// summary and error text. The beacon, when supplied, is injected just
// before the closing body tag.
func (r *Renderer) Render(view domain.AdvisoryView, operatorMessage string, handles *TrackingHandles) string {
	body, err := r.renderLayout(view, operatorMessage, handles)
	if err != nil {
		logger.Warn("advisory render failed, using fallback document",
			"error", err.Error())
		body = fallbackHTML(view, err)
	}
	if handles != nil && handles.BeaconURL != "" {
		body = injectBeacon(body, handles.BeaconURL)
	}
	return body
}

func (r *Renderer) renderLayout(view domain.AdvisoryView, operatorMessage string, handles *TrackingHandles) (out string, err error) {
	// The engine itself must not take the pipeline down either.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render panic: %v", p)
		}
	}()

	bindings := buildBindings(view, operatorMessage, handles)
	rendered, err := r.tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render advisory: %w", err)
	}
	return rendered, nil
}

// injectBeacon inserts the tracking pixel immediately before the last
// closing body tag, or appends it when the document has none.
func injectBeacon(body, beaconURL string) string {
	pixel := fmt.Sprintf(
		`<img src="%s" width="1" height="1" style="display:none;border:0;" alt=""/>`,
		html.EscapeString(beaconURL))
	idx := strings.LastIndex(strings.ToLower(body), "</body>")
	if idx < 0 {
		return body + pixel
	}
	return body[:idx] + pixel + body[idx:]
}

// fallbackHTML is the minimal document used when full rendering fails.
func fallbackHTML(view domain.AdvisoryView, renderErr error) string {
	title := html.EscapeString(FirstPresent(view, []string{"title", "display_title"}, "Advisory"))
	summary := html.EscapeString(FirstPresent(view,
		[]string{"executive_summary", "summary", "description"}, "No summary available"))
	errText := ""
	if renderErr != nil {
		errText = html.EscapeString(renderErr.Error())
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family:Arial,sans-serif;color:#1e293b;">
<h2>%s</h2>
<p>%s</p>
<p style="color:#94a3b8;font-size:12px;">This notification was generated with a reduced layout (%s).</p>
</body>
</html>`, title, summary, errText)
}

const advisoryTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8"/>
<meta name="viewport" content="width=device-width, initial-scale=1.0"/>
</head>
<body style="margin:0;padding:0;background-color:#f1f5f9;font-family:Arial,Helvetica,sans-serif;color:#1e293b;">
<table role="presentation" width="100%" cellpadding="0" cellspacing="0" style="max-width:680px;margin:0 auto;background-color:#ffffff;">
  <tr>
    <td style="background-color:{{ severity_color }};padding:20px 28px;">
      <table role="presentation" width="100%" cellpadding="0" cellspacing="0">
        <tr>
          <td style="color:#ffffff;font-size:20px;font-weight:bold;">{{ title }}</td>
          <td align="right">
            <span style="background-color:rgba(255,255,255,0.2);color:#ffffff;padding:4px 10px;border-radius:4px;font-size:12px;font-weight:bold;">{{ severity }}</span>
          </td>
        </tr>
      </table>
      <div style="color:#ffffff;opacity:0.85;font-size:12px;padding-top:8px;">TLP:{{ tlp }} &bull; Published {{ published }}</div>
    </td>
  </tr>
{% if operator_message != "" %}
  <tr>
    <td style="padding:20px 28px 0 28px;">
      <div style="background-color:#eff6ff;border-left:4px solid #2563eb;padding:12px 16px;font-size:14px;">{{ operator_message }}</div>
    </td>
  </tr>
{% endif %}
  <tr>
    <td style="padding:24px 28px 0 28px;">
      <h3 style="margin:0 0 8px 0;font-size:15px;color:#0f172a;">Executive Summary</h3>
{% for p in paragraphs %}
      <p style="margin:0 0 10px 0;font-size:14px;line-height:1.6;">{{ p }}</p>
{% endfor %}
    </td>
  </tr>
  <tr>
    <td style="padding:16px 28px 0 28px;">
      <table role="presentation" width="100%" cellpadding="0" cellspacing="0" style="font-size:13px;">
        <tr>
          <td width="50%" style="vertical-align:top;padding-right:12px;">
            <h3 style="margin:0 0 6px 0;font-size:14px;color:#0f172a;">CVE Identifiers</h3>
{% for cve in cves %}
            <div style="padding:2px 0;">{{ cve }}</div>
{% endfor %}
          </td>
          <td width="50%" style="vertical-align:top;">
            <h3 style="margin:0 0 6px 0;font-size:14px;color:#0f172a;">Affected Products</h3>
{% for product in products %}
            <div style="padding:2px 0;">{{ product }}</div>
{% endfor %}
          </td>
        </tr>
      </table>
    </td>
  </tr>
{% if has_tactics %}
  <tr>
    <td style="padding:20px 28px 0 28px;">
      <h3 style="margin:0 0 8px 0;font-size:15px;color:#0f172a;">Observed Tactics &amp; Techniques</h3>
      <table role="presentation" width="100%" cellpadding="6" cellspacing="0" style="font-size:13px;border-collapse:collapse;">
        <tr style="background-color:#f8fafc;">
          <th align="left" style="border:1px solid #e2e8f0;">Tactic</th>
          <th align="left" style="border:1px solid #e2e8f0;">Technique</th>
          <th align="left" style="border:1px solid #e2e8f0;">ID</th>
        </tr>
{% for row in tactics %}
        <tr>
          <td style="border:1px solid #e2e8f0;">{{ row.tactic }}</td>
          <td style="border:1px solid #e2e8f0;">{{ row.technique }}</td>
          <td style="border:1px solid #e2e8f0;">{{ row.id }}</td>
        </tr>
{% endfor %}
      </table>
    </td>
  </tr>
{% endif %}
{% if has_indicators %}
  <tr>
    <td style="padding:20px 28px 0 28px;">
      <h3 style="margin:0 0 8px 0;font-size:15px;color:#0f172a;">Indicators of Compromise</h3>
{% for group in indicators %}
      <div style="font-size:13px;font-weight:bold;padding:6px 0 2px 0;">{{ group.category }}</div>
{% for value in group.values %}
      <div style="font-family:Consolas,monospace;font-size:12px;background-color:#f8fafc;padding:3px 8px;margin:2px 0;border:1px solid #e2e8f0;">{{ value }}</div>
{% endfor %}
{% endfor %}
    </td>
  </tr>
{% endif %}
  <tr>
    <td style="padding:20px 28px 0 28px;">
      <h3 style="margin:0 0 8px 0;font-size:15px;color:#0f172a;">Recommendations</h3>
      <ol style="margin:0;padding-left:20px;font-size:14px;line-height:1.7;">
{% for rec in recommendations %}
        <li>{{ rec }}</li>
{% endfor %}
      </ol>
    </td>
  </tr>
  <tr>
    <td style="padding:20px 28px 0 28px;">
      <h3 style="margin:0 0 8px 0;font-size:15px;color:#0f172a;">References</h3>
{% if has_references %}
{% for ref in references %}
      <div style="font-size:13px;padding:2px 0;"><a href="{{ ref.url }}" style="color:#2563eb;">{{ ref.label }}</a></div>
{% endfor %}
{% else %}
      <div style="font-size:13px;color:#64748b;">No references available</div>
{% endif %}
    </td>
  </tr>
  <tr>
    <td style="padding:28px;color:#94a3b8;font-size:11px;border-top:1px solid #e2e8f0;">
      This advisory notification was sent by the security operations team. &copy; {{ year }}
    </td>
  </tr>
</table>
</body>
</html>`
