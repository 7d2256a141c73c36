package nats

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"
)

// DefaultURL is the connection target used when none is configured.
const DefaultURL = "nats://127.0.0.1:4222"

const (
	defaultConnectTimeout = 5 * time.Second
	defaultAckTimeout     = 2 * time.Second
	defaultPongTimeout    = 2 * time.Second
	defaultRequestTimeout = 2 * time.Second
)

// SetURL sets the connection target; schemes nats://, tls://, ws:// and
// wss:// are supported. Credentials may be embedded as user:pass@ in the URL.
func (client *Client) SetURL(rawURL string) *Client {
	client.url = rawURL
	return client
}

// SetName sets the client name reported in the CONNECT command.
func (client *Client) SetName(name string) *Client {
	client.name = name
	return client
}

// SetVerbose enables the server's per-command +OK/-ERR acknowledgements.
// Acknowledgements are correlated to commands by call order, best effort.
func (client *Client) SetVerbose(verbose bool) *Client {
	client.verbose = verbose
	return client
}

// SetPedantic asks the server for strict subject checking.
func (client *Client) SetPedantic(pedantic bool) *Client {
	client.pedantic = pedantic
	return client
}

// SetCredentials sets the user and password sent during the handshake,
// overriding any credentials embedded in the URL.
func (client *Client) SetCredentials(user string, pass string) *Client {
	client.username = user
	client.password = pass
	return client
}

// SetToken sets an authorization token sent during the handshake.
func (client *Client) SetToken(token string) *Client {
	client.token = token
	return client
}

// SetTLSConfig supplies externally provisioned trust material for tls:// and
// wss:// endpoints.
func (client *Client) SetTLSConfig(config *tls.Config) *Client {
	client.tlsConfig = config
	return client
}

// SetConnectTimeout bounds socket establishment and the handshake.
func (client *Client) SetConnectTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		client.connectTimeout = timeout
	}
	return client
}

// SetErrorHandler installs a callback invoked for asynchronous errors
// observed by the dispatch loop (handler failures, server errors, transport
// faults).
func (client *Client) SetErrorHandler(errorHandler func(error)) *Client {
	client.errorHandler = errorHandler
	return client
}

// SetStateHandler installs a callback invoked on every connection state
// transition. The callback must not block; it runs on whichever goroutine
// drove the transition.
func (client *Client) SetStateHandler(stateHandler func(ConnState)) *Client {
	client.stateHandler = stateHandler
	return client
}

// SetLogger replaces the client's logger. The default discards everything.
func (client *Client) SetLogger(logger zerolog.Logger) *Client {
	client.logger = logger
	return client
}

// SubOption configures a subscription at creation time.
type SubOption func(*subOptions)

type subOptions struct {
	queue         string
	maxDeliveries int
}

// WithQueue places the subscription in a queue group: the server load-shares
// deliveries across the group's members instead of broadcasting.
func WithQueue(queue string) SubOption {
	return func(options *subOptions) { options.queue = queue }
}

// WithMaxDeliveries removes the subscription automatically after limit
// deliveries, and tells the server to stop sending past the limit.
func WithMaxDeliveries(limit int) SubOption {
	return func(options *subOptions) { options.maxDeliveries = limit }
}
