// Package http holds the types shared between the engine and applications:
// requests, ordered headers, body events and the response writer contract.
package http

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// [Major, Minor]
type Version [2]uint

var (
	Version10 = Version{1, 0}
	Version11 = Version{1, 1}
)

func (ver Version) String() string {
	return "HTTP/" + strconv.FormatUint(uint64(ver[0]), 10) + "." + strconv.FormatUint(uint64(ver[1]), 10)
}

// AtLeast reports whether ver >= other.
func (ver Version) AtLeast(other Version) bool {
	if ver[0] != other[0] {
		return ver[0] > other[0]
	}
	return ver[1] >= other[1]
}

type Field struct{ Name, Value string }

// Headers is an ordered list of fields.
// Names are matched case-insensitively and repeated names are kept as separate fields.
type Headers struct {
	fields []Field
}

func NewHeaders(fields ...Field) Headers {
	return Headers{fields: append([]Field(nil), fields...)}
}

func (h *Headers) Len() int        { return len(h.fields) }
func (h *Headers) Fields() []Field { return h.fields }

// Add appends a field, never replacing an existing one.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Get returns the first value of name.
func (h *Headers) Get(name string) (value string, ok bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value of name in wire order.
func (h *Headers) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// ContainsToken reports whether any comma-separated element of name's values equals token, ignoring case.
func (h *Headers) ContainsToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

func (h Headers) Clone() Headers {
	return NewHeaders(h.fields...)
}
