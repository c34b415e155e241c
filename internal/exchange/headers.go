package exchange

import "strings"

// Headers stores name/value pairs preserving insertion order. Names are kept
// lowercase. Repeated Set calls replace; Add appends a second value for names
// that legitimately repeat (cookies).
type Headers struct {
	headers [][2]string
	index   map[string]int
}

// NewHeaders creates an empty Headers value.
func NewHeaders() Headers {
	return Headers{
		headers: make([][2]string, 0),
		// index is allocated lazily on first Set to avoid a per-request map
		index: nil,
	}
}

func (h *Headers) buildIndex() {
	h.index = make(map[string]int, len(h.headers)+2)
	for i := range h.headers {
		if _, ok := h.index[h.headers[i][0]]; !ok {
			h.index[h.headers[i][0]] = i
		}
	}
}

// Set sets a header value, replacing any existing value. Keys are lowercased.
func (h *Headers) Set(key, value string) {
	lowerKey := strings.ToLower(key)
	if h.index == nil {
		h.buildIndex()
	}
	if idx, ok := h.index[lowerKey]; ok {
		h.headers[idx][1] = value
		return
	}
	h.index[lowerKey] = len(h.headers)
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Add appends a header without replacing earlier values with the same name.
// The parser uses this so repeated wire headers survive in order.
func (h *Headers) Add(key, value string) {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if _, ok := h.index[lowerKey]; !ok {
			h.index[lowerKey] = len(h.headers)
		}
	}
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Get retrieves the first value for key, or "". Lookup is case-insensitive.
func (h *Headers) Get(key string) string {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if idx, ok := h.index[lowerKey]; ok {
			return h.headers[idx][1]
		}
		return ""
	}
	// No index map yet: linear search
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return h.headers[i][1]
		}
	}
	return ""
}

// GetAll returns every value recorded for key, in order.
func (h *Headers) GetAll(key string) []string {
	lowerKey := strings.ToLower(key)
	var values []string
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			values = append(values, h.headers[i][1])
		}
	}
	return values
}

// Del removes every value for key.
func (h *Headers) Del(key string) {
	lowerKey := strings.ToLower(key)
	kept := h.headers[:0]
	for i := range h.headers {
		if h.headers[i][0] != lowerKey {
			kept = append(kept, h.headers[i])
		}
	}
	if len(kept) != len(h.headers) {
		h.headers = kept
		h.index = nil
	}
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		_, ok := h.index[lowerKey]
		return ok
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return true
		}
	}
	return false
}

// All returns the underlying ordered key/value pairs. Callers must not mutate.
func (h *Headers) All() [][2]string {
	return h.headers
}

// Len returns the number of stored header pairs.
func (h *Headers) Len() int {
	return len(h.headers)
}
