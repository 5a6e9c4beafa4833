package service

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequestHeaders(t *testing.T) {
	src := http.Header{
		"Host":                {"proxy.example"},
		"Accept":              {"application/json"},
		"Authorization":       {"Bearer secret"},
		"X-Api-Key":           {"k"},
		"Cookie":              {"a=1", "b=2"},
		"Connection":          {"keep-alive, X-Drop-Me"},
		"X-Drop-Me":           {"gone"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"trailers, deflate"},
		"Upgrade":             {"h2c"},
	}

	got := RequestHeaders(src)

	want := http.Header{
		"Accept":        {"application/json"},
		"Authorization": {"Bearer secret"},
		"X-Api-Key":     {"k"},
		"Cookie":        {"a=1", "b=2"},
		"Te":            {"trailers"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RequestHeaders() mismatch (-want +got):\n%s", diff)
	}
	if src.Get("Connection") == "" {
		t.Error("RequestHeaders() modified its input")
	}
}

func TestHandshakeHeaders(t *testing.T) {
	src := http.Header{
		"Origin":                   {"https://a.example"},
		"Cookie":                   {"session=1"},
		"Connection":               {"Upgrade"},
		"Upgrade":                  {"websocket"},
		"Sec-Websocket-Key":        {"dGhlIHNhbXBsZSBub25jZQ=="},
		"Sec-Websocket-Version":    {"13"},
		"Sec-Websocket-Extensions": {"permessage-deflate"},
		"Sec-Websocket-Protocol":   {"chat"},
	}

	got := HandshakeHeaders(src)

	want := http.Header{
		"Origin": {"https://a.example"},
		"Cookie": {"session=1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HandshakeHeaders() mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":                     {"image/jpeg"},
		"Content-Length":                   {"42"},
		"Set-Cookie":                       {"a=1", "b=2"},
		"Cache-Control":                    {"private"},
		"Transfer-Encoding":                {"chunked"},
		"Connection":                       {"close"},
		"Access-Control-Allow-Origin":      {"*"},
		"Access-Control-Allow-Credentials": {"true"},
		"Access-Control-Allow-Methods":     {"GET"},
		"Access-Control-Allow-Headers":     {"X-Foo"},
		"Access-Control-Expose-Headers":    {"X-Total"},
	}

	got := ResponseHeaders(src)

	want := http.Header{
		"Content-Type":                  {"image/jpeg"},
		"Content-Length":                {"42"},
		"Set-Cookie":                    {"a=1", "b=2"},
		"Cache-Control":                 {"private"},
		"Access-Control-Expose-Headers": {"X-Total"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResponseHeaders() mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaders_Nil(t *testing.T) {
	if h := RequestHeaders(nil); h == nil {
		t.Error("RequestHeaders(nil) = nil, want empty header")
	}
	if h := ResponseHeaders(nil); h == nil {
		t.Error("ResponseHeaders(nil) = nil, want empty header")
	}
}
