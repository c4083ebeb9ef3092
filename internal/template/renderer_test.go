package template

import (
	"strings"
	"testing"

	"github.com/inteldesk/advisory-notifier/internal/domain"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}
	return r
}

func TestRender_TotalOnEmptyAdvisory(t *testing.T) {
	r := newTestRenderer(t)

	html := r.Render(domain.AdvisoryView{}, "", nil)

	if html == "" {
		t.Fatal("Render() returned empty HTML")
	}
	if !strings.Contains(html, "Advisory") {
		t.Error("missing fallback title")
	}
	if !strings.Contains(html, "MEDIUM") {
		t.Error("missing fallback severity")
	}
	if !strings.Contains(html, "TLP:CLEAR") {
		t.Error("missing fallback TLP label")
	}
	if !strings.Contains(html, "No CVE identified") {
		t.Error("missing CVE fallback")
	}
	if !strings.Contains(html, "Not specified") {
		t.Error("missing affected products fallback")
	}
	if !strings.Contains(html, "No summary available") {
		t.Error("missing summary fallback")
	}
	if !strings.Contains(html, "No references available") {
		t.Error("missing references fallback")
	}
	if strings.Contains(html, "{{") || strings.Contains(html, "{%") {
		t.Error("unresolved placeholder syntax in output")
	}
}

func TestRender_FallbackChains(t *testing.T) {
	r := newTestRenderer(t)

	view := domain.AdvisoryView{
		"display_title": "Critical RCE in ExampleOS",
		"severity":      "critical",
		"cve_ids":       []interface{}{"CVE-2026-0001", "CVE-2026-0002"},
	}
	html := r.Render(view, "", nil)

	if !strings.Contains(html, "Critical RCE in ExampleOS") {
		t.Error("display_title fallback not applied")
	}
	if !strings.Contains(html, "CRITICAL") {
		t.Error("severity not uppercased from fallback key")
	}
	if !strings.Contains(html, "CVE-2026-0001") || !strings.Contains(html, "CVE-2026-0002") {
		t.Error("cve_ids fallback not applied")
	}
}

func TestRender_OperatorMessage(t *testing.T) {
	r := newTestRenderer(t)

	with := r.Render(domain.AdvisoryView{}, "Patch before Friday.", nil)
	if !strings.Contains(with, "Patch before Friday.") {
		t.Error("operator message not rendered")
	}

	without := r.Render(domain.AdvisoryView{}, "", nil)
	if strings.Contains(without, "border-left:4px solid #2563eb") {
		t.Error("operator message panel rendered with empty message")
	}
}

func TestRender_IndicatorPanelOmittedWhenEmpty(t *testing.T) {
	r := newTestRenderer(t)

	html := r.Render(domain.AdvisoryView{}, "", nil)
	if strings.Contains(html, "Indicators of Compromise") {
		t.Error("indicator panel rendered with no indicators")
	}

	view := domain.AdvisoryView{
		"iocs": []interface{}{
			map[string]interface{}{"type": "ip", "value": "203.0.113.7"},
		},
	}
	html = r.Render(view, "", nil)
	if !strings.Contains(html, "Indicators of Compromise") {
		t.Error("indicator panel missing")
	}
	if !strings.Contains(html, "203.0.113.7") {
		t.Error("indicator value missing")
	}
}

func TestRender_IndicatorSanitization(t *testing.T) {
	r := newTestRenderer(t)

	view := domain.AdvisoryView{
		"iocs": []interface{}{
			map[string]interface{}{"type": "domain", "value": `evil.example<script>";`},
		},
	}
	html := r.Render(view, "", nil)

	if strings.Contains(html, "<script>") {
		t.Error("indicator value not sanitized")
	}
	if !strings.Contains(html, "evil.examplescript") {
		t.Error("sanitized indicator value missing")
	}
}

func TestRender_BeaconInjection(t *testing.T) {
	r := newTestRenderer(t)

	handles := &TrackingHandles{BeaconURL: "https://t.example.com/track/pixel?t=et_abc"}
	html := r.Render(domain.AdvisoryView{}, "", handles)

	pixelIdx := strings.Index(html, "track/pixel")
	bodyIdx := strings.LastIndex(strings.ToLower(html), "</body>")
	if pixelIdx < 0 {
		t.Fatal("beacon not injected")
	}
	if bodyIdx < 0 || pixelIdx > bodyIdx {
		t.Error("beacon not placed before closing body tag")
	}
}

func TestInjectBeacon_NoBodyTag(t *testing.T) {
	out := injectBeacon("<p>hello</p>", "https://t.example.com/p")
	if !strings.HasSuffix(out, `alt=""/>`) {
		t.Errorf("beacon not appended to document end: %q", out)
	}
}

func TestRender_LinkRewriting(t *testing.T) {
	r := newTestRenderer(t)

	view := domain.AdvisoryView{
		"references": []interface{}{"https://example.com/advisory/1", "not-a-url"},
	}
	handles := &TrackingHandles{
		RewriteLink: func(rawURL, linkID string) string {
			return "https://t.example.com/track/link?u=" + rawURL + "&l=" + linkID
		},
	}
	html := r.Render(view, "", handles)

	if !strings.Contains(html, `href="https://t.example.com/track/link?u=https://example.com/advisory/1`) {
		t.Error("reference URL not rewritten through link rewriter")
	}
	if strings.Contains(html, `href="not-a-url"`) {
		t.Error("non-absolute reference rendered as link")
	}
}

func TestFallbackHTML(t *testing.T) {
	view := domain.AdvisoryView{"title": "Broken Advisory", "summary": "Something happened"}
	out := fallbackHTML(view, errTest)

	for _, want := range []string{"Broken Advisory", "Something happened", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("fallback document missing %q", want)
		}
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errTest = testErr("boom")
