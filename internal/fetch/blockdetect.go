package fetch

import (
	"bytes"
	"net/http"
)

// BlockType names the kind of wall a fetched page hit.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockPaywall    BlockType = "paywall"
)

// shellMaxBytes bounds the page size treated as a JavaScript-only shell.
const shellMaxBytes = 2000

// bodySignature matches when every needle appears in the lowercased body.
type bodySignature struct {
	kind    BlockType
	needles [][]byte
	// small restricts the signature to pages under shellMaxBytes.
	small bool
}

func sig(kind BlockType, small bool, needles ...string) bodySignature {
	s := bodySignature{kind: kind, small: small}
	for _, n := range needles {
		s.needles = append(s.needles, []byte(n))
	}
	return s
}

// Checked in order; the first match wins.
var bodySignatures = []bodySignature{
	sig(BlockCloudflare, false, "checking your browser"),
	sig(BlockCloudflare, false, "cf-browser-verification"),
	sig(BlockCloudflare, false, "cloudflare", "challenge"),
	sig(BlockCaptcha, false, "g-recaptcha"),
	sig(BlockCaptcha, false, "h-captcha"),
	sig(BlockCaptcha, false, "complete the captcha"),
	sig(BlockCaptcha, false, "recaptcha to continue"),
	sig(BlockJSShell, true, "<noscript", "javascript"),
	sig(BlockJSShell, true, `meta http-equiv="refresh"`),
	sig(BlockPaywall, false, "subscribe to continue reading"),
	sig(BlockPaywall, false, "log in to continue reading"),
	sig(BlockPaywall, false, "you have reached your free article limit"),
}

func (s bodySignature) match(lower []byte) bool {
	if s.small && len(lower) >= shellMaxBytes {
		return false
	}
	for _, n := range s.needles {
		if !bytes.Contains(lower, n) {
			return false
		}
	}
	return true
}

// ClassifyBlock reports which wall, if any, a response represents. Header
// evidence is checked before the body.
func ClassifyBlock(status int, header http.Header, body []byte) BlockType {
	if cloudflareEdge(status, header) {
		return BlockCloudflare
	}
	lower := bytes.ToLower(body)
	for _, s := range bodySignatures {
		if s.match(lower) {
			return s.kind
		}
	}
	return BlockNone
}

func cloudflareEdge(status int, header http.Header) bool {
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return false
	}
	return header.Get("Cf-Ray") != "" ||
		header.Get("Cf-Cache-Status") != "" ||
		header.Get("Server") == "cloudflare"
}
