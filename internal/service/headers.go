package service

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"

	"cors-proxy-go/internal/cors"
)

// hopByHopHeaders are connection-scoped headers (RFC 7230 §6.1) that a proxy
// must not forward.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// webSocketHandshakeHeaders are generated by the upstream dialer itself.
var webSocketHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Accept",
	"Sec-Websocket-Protocol",
}

// RequestHeaders returns the headers to send upstream for an inbound request:
// everything except Host and hop-by-hop headers.
func RequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	removeHopByHop(dst)
	// "TE: trailers" is the one TE value that survives a hop.
	if httpguts.HeaderValuesContainsToken(src["Te"], "trailers") {
		dst.Set("Te", "trailers")
	}
	return dst
}

// HandshakeHeaders returns the headers to send with the upstream WebSocket
// handshake. Subprotocols are negotiated separately.
func HandshakeHeaders(src http.Header) http.Header {
	dst := RequestHeaders(src)
	dst.Del("Te")
	for _, k := range webSocketHandshakeHeaders {
		dst.Del(k)
	}
	return dst
}

// ResponseHeaders returns the upstream headers to send to the client:
// hop-by-hop and proxy-managed CORS headers are dropped.
func ResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	for _, k := range cors.ManagedHeaders {
		dst.Del(k)
	}
	return dst
}

// removeHopByHop deletes hop-by-hop headers and any header named in Connection.
func removeHopByHop(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
