package nats

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultPort = "4222"

// transport owns the stream endpoint for one connection: a TCP socket,
// a TLS-wrapped socket, or a websocket bridged to a byte stream. Reads are
// consumed only by the dispatch goroutine through readFrame; writes are
// serialized by the client. shutdown may be called from any goroutine and
// unblocks an in-flight read promptly, which is what keeps Close from ever
// waiting on a reader stuck in a blocking receive.
type transport struct {
	conn      io.ReadWriteCloser
	reader    *bufio.Reader
	closed    atomic.Bool
	closeOnce sync.Once
}

// dialTransport establishes the stream endpoint for rawURL. Supported
// schemes: nats:// (plain TCP), tls:// (TLS upgrade before the first frame),
// ws:// and wss:// (websocket with binary frames).
func dialTransport(rawURL string, tlsConfig *tls.Config, timeout time.Duration) (*transport, *url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, NewError(InvalidURIError, err)
	}
	if parsed.Host == "" {
		return nil, nil, NewError(InvalidURIError, fmt.Sprintf("no host in %q", rawURL))
	}

	var conn io.ReadWriteCloser
	switch parsed.Scheme {
	case "nats", "tcp", "":
		tcpConn, err := net.DialTimeout("tcp", hostPort(parsed), timeout)
		if err != nil {
			return nil, nil, NewError(ConnectionRefusedError, err)
		}
		conn = tcpConn

	case "tls":
		config := tlsConfig
		if config == nil {
			config = &tls.Config{}
		}
		dialer := &net.Dialer{Timeout: timeout}
		tlsConn, err := tls.DialWithDialer(dialer, "tcp", hostPort(parsed), config)
		if err != nil {
			return nil, nil, NewError(ConnectionRefusedError, err)
		}
		conn = tlsConn

	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  tlsConfig,
		}
		dialURL := *parsed
		dialURL.User = nil
		wsConnection, _, err := dialer.Dial(dialURL.String(), nil)
		if err != nil {
			return nil, nil, NewError(ConnectionRefusedError, err)
		}
		conn = &wsStream{ws: wsConnection}

	default:
		return nil, nil, NewError(InvalidURIError, fmt.Sprintf("unsupported scheme %q", parsed.Scheme))
	}

	return &transport{conn: conn, reader: bufio.NewReader(conn)}, parsed, nil
}

func hostPort(parsed *url.URL) string {
	if parsed.Port() == "" {
		return net.JoinHostPort(parsed.Hostname(), defaultPort)
	}
	return parsed.Host
}

// send writes the full buffer or fails with a disconnection error.
func (tr *transport) send(frame []byte) error {
	if tr.closed.Load() {
		return ErrTransportClosed
	}
	if _, err := tr.conn.Write(frame); err != nil {
		if tr.closed.Load() {
			return ErrTransportClosed
		}
		return NewError(ConnectionError, fmt.Sprintf("socket error while sending (%v)", err))
	}
	return nil
}

// readFrame decodes the next frame from the stream. Once shutdown has been
// requested every error collapses to ErrTransportClosed; otherwise protocol
// violations keep their ProtocolError classification and raw I/O failures
// become ConnectionErrors.
func (tr *transport) readFrame() (*frame, error) {
	decoded, err := decodeFrame(tr.reader)
	if err == nil {
		return decoded, nil
	}
	if tr.closed.Load() {
		return nil, ErrTransportClosed
	}
	if errorCodeOf(err) == ProtocolError {
		return nil, err
	}
	return nil, NewError(ConnectionError, fmt.Sprintf("socket read error (%v)", err))
}

// readLine blocks until one CRLF-delimited line is available, the delimiter
// excluded.
func (tr *transport) readLine() ([]byte, error) {
	line, err := readControlLine(tr.reader)
	if err != nil && tr.closed.Load() {
		return nil, ErrTransportClosed
	}
	return line, err
}

// readExact blocks until exactly n bytes have been read.
func (tr *transport) readExact(n int) ([]byte, error) {
	block := make([]byte, n)
	if _, err := io.ReadFull(tr.reader, block); err != nil {
		if tr.closed.Load() {
			return nil, ErrTransportClosed
		}
		return nil, NewError(ConnectionError, fmt.Sprintf("socket read error (%v)", err))
	}
	return block, nil
}

// shutdown marks the transport closed and closes the underlying endpoint,
// which promptly unblocks any read in flight. Safe to call from any
// goroutine, any number of times.
func (tr *transport) shutdown() {
	tr.closed.Store(true)
	tr.closeOnce.Do(func() { _ = tr.conn.Close() })
}

// close releases the endpoint. Idempotent; shares the shutdown path since
// closing the conn is also what unblocks the reader.
func (tr *transport) close() error {
	tr.shutdown()
	return nil
}

func (tr *transport) isShutdown() bool { return tr.closed.Load() }

// wsStream adapts a message-oriented websocket connection to the byte stream
// the codec consumes. Each Write becomes one binary message; Read drains
// successive inbound messages.
type wsStream struct {
	ws      *websocket.Conn
	current io.Reader
}

func (stream *wsStream) Read(buffer []byte) (int, error) {
	for {
		if stream.current == nil {
			_, messageReader, err := stream.ws.NextReader()
			if err != nil {
				return 0, err
			}
			stream.current = messageReader
		}

		n, err := stream.current.Read(buffer)
		if err == io.EOF {
			stream.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (stream *wsStream) Write(buffer []byte) (int, error) {
	if err := stream.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (stream *wsStream) Close() error { return stream.ws.Close() }
