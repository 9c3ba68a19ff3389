package tokenizer

// Method is a numeric method code.
// Codes follow the classic http_parser table so they stay stable across releases.
type Method uint8

const (
	MethodDelete  Method = 0
	MethodGet     Method = 1
	MethodHead    Method = 2
	MethodPost    Method = 3
	MethodPut     Method = 4
	MethodConnect Method = 5
	MethodOptions Method = 6
	MethodTrace   Method = 7
	MethodPatch   Method = 28

	// MethodUnknown is reported for any well-formed token outside the table.
	MethodUnknown Method = 255
)

var methodCodes = map[string]Method{
	"DELETE":  MethodDelete,
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"CONNECT": MethodConnect,
	"OPTIONS": MethodOptions,
	"TRACE":   MethodTrace,
	"PATCH":   MethodPatch,
}

// LookupMethod maps a method token to its code. Methods are case-sensitive.
func LookupMethod(token string) Method {
	if m, ok := methodCodes[token]; ok {
		return m
	}
	return MethodUnknown
}
