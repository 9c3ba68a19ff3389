package status

import "strconv"

type Status struct {
	Code         uint
	ReasonPhrase string
}

func (s Status) String() string {
	return strconv.FormatUint(uint64(s.Code), 10) + " " + s.ReasonPhrase
}

// Informational returns true for 1xx.
func (s Status) Informational() bool { return s.Code >= 100 && s.Code < 200 }

// BodyAllowed reports whether a response with this status may carry content.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
func (s Status) BodyAllowed() bool {
	return !s.Informational() && s != NoContent && s != NotModified
}

// Informational 1XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2
var (
	Continue           = add(Status{100, "Continue"})
	SwitchingProtocols = add(Status{101, "Switching Protocols"})
)

// Successful 2XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.3
var (
	OK             = add(Status{200, "OK"})
	Created        = add(Status{201, "Created"})
	Accepted       = add(Status{202, "Accepted"})
	NoContent      = add(Status{204, "No Content"})
	PartialContent = add(Status{206, "Partial Content"})
)

// Redirection 3xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.4
var (
	MovedPermanently  = add(Status{301, "Moved Permanently"})
	Found             = add(Status{302, "Found"})
	SeeOther          = add(Status{303, "See Other"})
	NotModified       = add(Status{304, "Not Modified"})
	TemporaryRedirect = add(Status{307, "Temporary Redirect"})
	PermanentRedirect = add(Status{308, "Permanent Redirect"})
)

// Client Error 4xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.5
var (
	BadRequest                  = add(Status{400, "Bad Request"})
	Unauthorized                = add(Status{401, "Unauthorized"})
	Forbidden                   = add(Status{403, "Forbidden"})
	NotFound                    = add(Status{404, "Not Found"})
	MethodNotAllowed            = add(Status{405, "Method Not Allowed"})
	RequestTimeout              = add(Status{408, "Request Timeout"})
	LengthRequired              = add(Status{411, "Length Required"})
	ContentTooLarge             = add(Status{413, "Content Too Large"})
	RequestURITooLong           = add(Status{414, "URI Too Long"})
	ExpectationFailed           = add(Status{417, "Expectation Failed"})
	UpgradeRequired             = add(Status{426, "Upgrade Required"})
	RequestHeaderFieldsTooLarge = add(Status{431, "Request Header Fields Too Large"})
)

// Server Error 5xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.6
var (
	InternalServerError     = add(Status{500, "Internal Server Error"})
	NotImplemented          = add(Status{501, "Not Implemented"})
	ServiceUnavailable      = add(Status{503, "Service Unavailable"})
	HTTPVersionNotSupported = add(Status{505, "HTTP Version Not Supported"})
)

var sm = make(map[uint]*Status)

func add(status Status) Status {
	sm[status.Code] = &status
	return status
}

// FromCode looks up a known status. Unknown codes come back with an empty reason phrase.
func FromCode(code uint) (status Status, ok bool) {
	s, ok := sm[code]
	if !ok {
		return Status{Code: code, ReasonPhrase: ""}, false
	}

	return *s, true
}
