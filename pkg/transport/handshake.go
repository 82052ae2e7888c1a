package transport

// HandshakeData is exchanged as the first frame on every connection so each
// side learns who it is talking to.
type HandshakeData struct {
    Endpoint   Endpoint `json:"endpoint"`
    EndpointID string   `json:"endpointId,omitempty"`
}

func (h HandshakeData) IsEmpty() bool { return h.Endpoint.IsZero() && h.EndpointID == "" }

// Validate rejects empty handshake data.
func (h HandshakeData) Validate() error {
    if h.IsEmpty() { return ErrEmptyHandshake }
    return nil
}
