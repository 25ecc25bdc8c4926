package webclient

import (
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// DecodeBody converts a response body to UTF-8 text. The charset comes from a
// BOM or the Content-Type header, then from valid UTF-8, then from an HTML
// meta declaration. When none applies the raw bytes are returned with ok false.
func DecodeBody(body []byte, contentType string) (text string, charsetName string, ok bool) {
	if len(body) == 0 {
		return "", "", true
	}
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if certain {
		if name == "utf-8" {
			return string(body), name, true
		}
		if out, err := enc.NewDecoder().Bytes(body); err == nil {
			return string(out), name, true
		}
	}
	if utf8.Valid(body) {
		return string(body), "utf-8", true
	}
	// windows-1252 is the fallback guess, not a detection.
	if name != "" && name != "windows-1252" {
		if out, err := enc.NewDecoder().Bytes(body); err == nil {
			return string(out), name, true
		}
	}
	return string(body), "", false
}
