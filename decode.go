package cfscrape

import (
	"bytes"
	"encoding/hex"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

// Codec decompresses brotli bodies. A nil Codec, or one that reports itself
// unavailable, makes every brotli response a RequestError.
type Codec interface {
	Available() bool
	Decompress(b []byte) ([]byte, error)
}

// BrotliCodec is the default Codec.
type BrotliCodec struct{}

func (BrotliCodec) Available() bool { return true }

func (BrotliCodec) Decompress(b []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
}

func codecAvailable(c Codec) bool {
	return c != nil && c.Available()
}

// Group 1 is the tag name. Groups 2/3 hold the href form, group 4 the
// data-cfemail form and group 5 the closing tag name, which must equal
// group 1 since RE2 has no backreferences.
var emailProtectionRe = regexp.MustCompile(`(?i)<([a-z]+)(?: [^>]*)?(?: href=['"]?(/cdn-cgi/l/email-protection#([a-f0-9]{4,}))| data-cfemail=["']?([a-f0-9]{4,})(?:[^<]*/>|[^<]*?</([a-z]+)>))`)

// DecodeEmails replaces obfuscated email addresses in html with plain text.
// Anchors keep their markup and get a mailto: href; standalone data-cfemail
// elements are replaced by the address itself.
func DecodeEmails(html string) string {
	cursor := 0
	for cursor < len(html) {
		loc := emailProtectionRe.FindStringSubmatchIndex(html[cursor:])
		if loc == nil {
			break
		}
		for i := range loc {
			if loc[i] >= 0 {
				loc[i] += cursor
			}
		}
		start, end := loc[0], loc[1]
		group := func(n int) (string, bool) {
			if loc[2*n] < 0 {
				return "", false
			}
			return html[loc[2*n]:loc[2*n+1]], true
		}

		tag, _ := group(1)
		if closing, ok := group(5); ok && !strings.EqualFold(closing, tag) {
			cursor = start + 1
			continue
		}

		var result string
		if link, ok := group(2); ok {
			key, _ := group(3)
			addr, ok := decodeEmailHex(key)
			if !ok {
				cursor = start + 1
				continue
			}
			result = strings.Replace(html[start:end], link, "mailto:"+addr, 1)
		} else {
			key, _ := group(4)
			addr, ok := decodeEmailHex(key)
			if !ok {
				cursor = start + 1
				continue
			}
			result = addr
		}

		html = html[:start] + result + html[end:]
		cursor = max(start, start+len(result)-1)
	}
	return html
}

// decodeEmailHex XORs every byte after the first with the first byte and
// returns the result when it is valid UTF-8.
func decodeEmailHex(s string) (string, bool) {
	if len(s)%2 != 0 {
		s = s[:len(s)-1]
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) < 1 {
		return "", false
	}
	key := raw[0]
	out := make([]byte, len(raw)-1)
	for i, b := range raw[1:] {
		out[i] = b ^ key
	}
	if !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}

// EncodeEmail obfuscates addr with key the way protected pages do.
func EncodeEmail(addr string, key byte) string {
	out := make([]byte, 0, len(addr)+1)
	out = append(out, key)
	for i := 0; i < len(addr); i++ {
		out = append(out, addr[i]^key)
	}
	return hex.EncodeToString(out)
}
