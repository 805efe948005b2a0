package protocol

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const SignatureHeader = "X-Twilio-Signature"

// Signature computes the request signature Twilio sends: base64 HMAC-SHA1,
// keyed by the account auth token, over the full URL followed by every POST
// parameter name and value sorted by name.
func Signature(authToken, fullURL string, params url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether sig matches fullURL. Websocket upgrades are
// GETs, so only the query string contributes and it is already in the URL.
func ValidSignature(authToken, fullURL, sig string) bool {
	sig = strings.TrimSpace(sig)
	if authToken == "" || sig == "" {
		return false
	}
	want := Signature(authToken, fullURL, nil)
	return hmac.Equal([]byte(want), []byte(sig))
}

// PublicURL rebuilds the stream URL the caller signed (the ws/wss URL from
// the TwiML <Stream> verb). publicBase, when set, replaces scheme and host so
// signatures survive a TLS-terminating proxy.
func PublicURL(r *http.Request, publicBase string) string {
	if base := strings.TrimRight(strings.TrimSpace(publicBase), "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	secure := r.TLS != nil
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		proto := strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
		secure = proto == "https" || proto == "wss"
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
