package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped from every forwarded message per RFC 7230
// §6.1, in addition to whatever the sender lists in its own Connection
// header.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the standard hop-by-hop headers plus any header
// named in the message's own Connection header.
func stripHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// appendForwardedFor appends clientIP to the request's X-Forwarded-For
// header, creating it if absent.
func appendForwardedFor(h http.Header, clientIP string) {
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

// headerVars holds the substitution values available to configured
// request/response header templates.
type headerVars struct {
	clientIP    string
	clientPort  string
	backendName string
	backendAddr string
}

// interpolate replaces the $client_ip / $client_port / $backend_name /
// $backend_addr placeholders in value with the request's actual values.
func interpolate(value string, v headerVars) string {
	replacer := strings.NewReplacer(
		"$client_ip", v.clientIP,
		"$client_port", v.clientPort,
		"$backend_name", v.backendName,
		"$backend_addr", v.backendAddr,
	)
	return replacer.Replace(value)
}

// applyConfiguredHeaders sets each configured header on h after
// interpolating its variables.
func applyConfiguredHeaders(h http.Header, configured map[string]string, v headerVars) {
	for name, value := range configured {
		h.Set(name, interpolate(value, v))
	}
}
