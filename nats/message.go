package nats

// ServerInfo mirrors the JSON body of the server's INFO greeting. It is
// captured during the handshake and replaced wholesale if the server re-sends
// INFO mid-session.
type ServerInfo struct {
	ServerID     string `json:"server_id"`
	Version      string `json:"version"`
	Proto        int    `json:"proto"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	MaxPayload   int    `json:"max_payload"`
	AuthRequired bool   `json:"auth_required,omitempty"`
	TLSRequired  bool   `json:"tls_required,omitempty"`
	Headers      bool   `json:"headers,omitempty"`
}

// Message is one unit delivered to a subscription handler. Payload length is
// bounded by the server's advertised max payload.
type Message struct {
	Subject string
	Reply   string
	SID     uint64
	Payload []byte
}

// MessageHandler consumes one delivered Message. Handlers run synchronously
// on the connection's dispatch goroutine in wire arrival order, so a slow
// handler delays every subsequent delivery on the same connection. A returned
// error is wrapped as a MessageHandlerError and routed to the client's error
// handler; it does not stop dispatch.
type MessageHandler func(message *Message) error

// connectOptions is the JSON body of the CONNECT command.
type connectOptions struct {
	Name      string `json:"name"`
	Lang      string `json:"lang"`
	Version   string `json:"version"`
	Protocol  int    `json:"protocol"`
	Verbose   bool   `json:"verbose"`
	Pedantic  bool   `json:"pedantic"`
	User      string `json:"user,omitempty"`
	Pass      string `json:"pass,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}
