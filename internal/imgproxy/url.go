package imgproxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// URLBuilder builds processing URLs for one imgproxy instance
type URLBuilder struct {
	baseURL string
	key     []byte
	salt    []byte
	plain   bool
	profile Profile
}

// NewURLBuilder creates a builder. Without key and salt the URLs are unsigned ("unsafe").
func NewURLBuilder(baseURL string, key, salt []byte, plain bool, profile Profile) *URLBuilder {
	return &URLBuilder{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		salt:    salt,
		plain:   plain,
		profile: profile,
	}
}

// Build returns the processing URL of sourceURL
func (b *URLBuilder) Build(sourceURL string) string {
	path := "/" + b.profile.Options() + "/" + b.encodeSource(sourceURL)
	return b.baseURL + "/" + b.sign(path) + path
}

func (b *URLBuilder) encodeSource(sourceURL string) string {
	if b.plain {
		return "plain/" + escapePlain(sourceURL) + "@" + b.profile.Format
	}
	return base64.RawURLEncoding.EncodeToString([]byte(sourceURL)) + "." + b.profile.Format
}

// escapePlain percent-encodes a plain source so '?', '#' and '@' cannot end it early
func escapePlain(sourceURL string) string {
	return strings.ReplaceAll(url.QueryEscape(sourceURL), "+", "%20")
}

// sign computes base64url(HMAC-SHA256(key, salt + path))
func (b *URLBuilder) sign(path string) string {
	if len(b.key) == 0 && len(b.salt) == 0 {
		return "unsafe"
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(b.salt)
	mac.Write([]byte(path))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
