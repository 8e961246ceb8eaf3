package fetch

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBlock(t *testing.T) {
	shell := "<html><noscript>Enable JavaScript to continue</noscript></html>"
	bigShell := shell + strings.Repeat("<p>obituary text</p>", 200)

	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   BlockType
	}{
		{"cloudflare 403 ray", 403, http.Header{"Cf-Ray": {"abc123"}}, "", BlockCloudflare},
		{"cloudflare 503 server", 503, http.Header{"Server": {"cloudflare"}}, "", BlockCloudflare},
		{"cloudflare header on 200 ignored", 200, http.Header{"Cf-Ray": {"abc123"}}, "", BlockNone},
		{"cloudflare challenge body", 200, nil, "<p>Checking your browser before accessing</p>", BlockCloudflare},
		{"cloudflare needs both words", 200, nil, "<p>served by Cloudflare</p>", BlockNone},
		{"recaptcha body", 200, nil, "<html><body>Please complete the reCAPTCHA to continue</body></html>", BlockCaptcha},
		{"hcaptcha widget", 200, nil, `<div class="h-captcha" data-sitekey="x"></div>`, BlockCaptcha},
		{"js shell", 200, nil, shell, BlockJSShell},
		{"large page with noscript", 200, nil, bigShell, BlockNone},
		{"paywall", 200, nil, "<div>Subscribe to continue reading this obituary</div>", BlockPaywall},
		{"article limit", 200, nil, "<p>You have reached your free article limit.</p>", BlockPaywall},
		{"clean", 200, nil, "<html><body>Actor died peacefully at home surrounded by family.</body></html>", BlockNone},
		{"empty", 404, nil, "", BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyBlock(tt.status, tt.header, []byte(tt.body)))
		})
	}
}

func TestStripHTML(t *testing.T) {
	input := `<html><head><style>body{color:red}</style></head>
<body><script>alert('hi')</script><nav>Menu</nav><h1>Obituary</h1><p>Died of cancer &amp; pneumonia</p>
<aside>Related</aside><footer>Copyright 2024</footer></body></html>`
	out := StripHTML(input)
	assert.Contains(t, out, "Obituary")
	assert.Contains(t, out, "Died of cancer & pneumonia")
	assert.NotContains(t, out, "alert")
	assert.NotContains(t, out, "color:red")
	assert.NotContains(t, out, "Menu")
	assert.NotContains(t, out, "Related")
	assert.NotContains(t, out, "Copyright")
	assert.NotContains(t, out, "<h1>")
}

func TestStripHTML_WhitespaceCollapse(t *testing.T) {
	out := StripHTML("Hello     world\n\n\n\n\nfoo")
	assert.NotContains(t, out, "     ")
	assert.NotContains(t, out, "\n\n\n")
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Star Dies at 80", ExtractTitle(`<html><head><title> Star Dies at 80 </title></head></html>`))
	assert.Equal(t, "", ExtractTitle(`<html><body>no title</body></html>`))
}
