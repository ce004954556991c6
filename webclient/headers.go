package webclient

import (
	"strings"
)

// Header is a single key/value pair.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header list with case-insensitive keys. The zero value
// is empty and ready to use. Insertion order is kept so requests go out with
// headers in the order they were configured.
type Headers []Header

// NewHeaders builds Headers from alternating key/value strings.
// A trailing key without value is ignored.
func NewHeaders(kv ...string) Headers {
	h := make(Headers, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

// Get returns the first value for key.
func (h Headers) Get(key string) string {
	for _, e := range h {
		if strings.EqualFold(e.Key, key) {
			return e.Value
		}
	}
	return ""
}

// Values returns every value stored under key.
func (h Headers) Values(key string) []string {
	var out []string
	for _, e := range h {
		if strings.EqualFold(e.Key, key) {
			out = append(out, e.Value)
		}
	}
	return out
}

// Has reports whether key is present.
func (h Headers) Has(key string) bool {
	for _, e := range h {
		if strings.EqualFold(e.Key, key) {
			return true
		}
	}
	return false
}

// Set replaces every value of key with value, keeping the position of the
// first occurrence.
func (h *Headers) Set(key, value string) {
	for i, e := range *h {
		if strings.EqualFold(e.Key, key) {
			(*h)[i].Value = value
			h.del(key, i+1)
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

// Add appends a value without touching existing ones.
func (h *Headers) Add(key, value string) {
	*h = append(*h, Header{Key: key, Value: value})
}

// Del removes key.
func (h *Headers) Del(key string) {
	h.del(key, 0)
}

func (h *Headers) del(key string, from int) {
	out := (*h)[:from]
	for _, e := range (*h)[from:] {
		if !strings.EqualFold(e.Key, key) {
			out = append(out, e)
		}
	}
	*h = out
}

// Merge sets every key of other on h, other winning on conflicts.
func (h *Headers) Merge(other Headers) {
	for _, e := range other {
		h.Set(e.Key, e.Value)
	}
}

// Clone returns a copy that shares no memory with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Len returns the number of entries.
func (h Headers) Len() int {
	return len(h)
}

// WireSize is the number of bytes the headers occupy on an HTTP/1.x wire:
// "Key: Value\r\n" per entry.
func (h Headers) WireSize() int {
	n := 0
	for _, e := range h {
		n += len(e.Key) + len(": ") + len(e.Value) + len("\r\n")
	}
	return n
}

// Cookies maps a cookie name to every value set for it.
type Cookies map[string][]string

// Add appends a value for name.
func (c Cookies) Add(name, value string) {
	c[name] = append(c[name], value)
}

// Get returns the first value for name.
func (c Cookies) Get(name string) string {
	if v := c[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Clone returns a deep copy.
func (c Cookies) Clone() Cookies {
	if c == nil {
		return nil
	}
	out := make(Cookies, len(c))
	for k, v := range c {
		out[k] = append([]string(nil), v...)
	}
	return out
}
