package transport

// Message is the unit carried by a channel. Qualifier tags the payload kind so
// receivers can pick the traffic they understand and ignore the rest.
type Message struct {
    Qualifier     string            `json:"qualifier"`
    CorrelationID string            `json:"correlationId,omitempty"`
    Headers       map[string]string `json:"headers,omitempty"`
    Data          []byte            `json:"data,omitempty"`
}

// Header returns the header value for key, or "".
func (m Message) Header(key string) string {
    if m.Headers == nil { return "" }
    return m.Headers[key]
}

// WithHeader returns a copy of m with key set to value.
func (m Message) WithHeader(key, value string) Message {
    h := make(map[string]string, len(m.Headers)+1)
    for k, v := range m.Headers { h[k] = v }
    h[key] = value
    m.Headers = h
    return m
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
    if m.Headers != nil {
        h := make(map[string]string, len(m.Headers))
        for k, v := range m.Headers { h[k] = v }
        m.Headers = h
    }
    if m.Data != nil { m.Data = append([]byte(nil), m.Data...) }
    return m
}
