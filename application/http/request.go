package http

import "http-engine/transport"

type Request struct {
	Method Method
	// RawMethod is the method token as received, useful when Method is [MethodUnsupported].
	RawMethod string
	// Target is the request-target: path and query for origin-form requests.
	Target  string
	Version Version
	Headers Headers

	RemoteAddr transport.Addr
}

// Host returns the Host header value.
func (r *Request) Host() string {
	host, _ := r.Headers.Get("Host")
	return host
}

// ExpectsContinue reports whether the client waits for 100 Continue before sending content.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-10.1.1
func (r *Request) ExpectsContinue() bool {
	return r.Version.AtLeast(Version11) && r.Headers.ContainsToken("Expect", "100-continue")
}
