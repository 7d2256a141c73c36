package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config controls one fake server instance.
type Config struct {
	Addr           string            // TCP listen address
	WSAddr         string            // optional websocket listen address ("" disables)
	ServerID       string            // echoed in the INFO greeting
	Version        string            // echoed in the INFO greeting
	MaxPayload     int               // advertised and enforced payload limit
	VerboseDefault bool              // acknowledge commands even before CONNECT opts in
	Auth           map[string]string // user -> pass; empty disables auth
	LogConns       bool              // log connect/disconnect events
	Latency        time.Duration     // artificial delay before each MSG write
	Logger         zerolog.Logger
}

// Server is a deterministic, stateful responder speaking the wire protocol:
// INFO greeting, CONNECT validation, PUB fanout with wildcard matching and
// queue-group load-sharing, SUB/UNSUB with drain counts, PING/PONG, verbose
// acknowledgements, and quoted -ERR reporting. Tests embed it in-process;
// main wires it to flags.
type Server struct {
	config     Config
	listener   net.Listener
	wsListener net.Listener
	httpServer *http.Server
	wg         sync.WaitGroup

	lock    sync.Mutex
	conns   map[*serverConn]struct{}
	nextCID uint64
	rng     *rand.Rand
}

// NewServer applies defaults and returns an unstarted Server.
func NewServer(config Config) *Server {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:0"
	}
	if config.ServerID == "" {
		config.ServerID = "fakenats"
	}
	if config.Version == "" {
		config.Version = "0.1.0"
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = 1048576
	}

	return &Server{
		config: config,
		conns:  make(map[*serverConn]struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start begins accepting connections on the configured listeners.
func (server *Server) Start() error {
	listener, err := net.Listen("tcp", server.config.Addr)
	if err != nil {
		return err
	}
	server.listener = listener

	server.wg.Add(1)
	go server.acceptLoop(listener)

	if server.config.WSAddr != "" {
		wsListener, err := net.Listen("tcp", server.config.WSAddr)
		if err != nil {
			_ = listener.Close()
			return err
		}
		server.wsListener = wsListener

		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		server.httpServer = &http.Server{Handler: http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			wsConnection, err := upgrader.Upgrade(writer, request, nil)
			if err != nil {
				return
			}
			server.handleStream(&wsBridge{ws: wsConnection}, request.RemoteAddr)
		})}

		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			_ = server.httpServer.Serve(wsListener)
		}()
	}

	server.config.Logger.Info().
		Str("addr", server.Addr()).
		Str("ws_addr", server.WSAddr()).
		Msg("fakenats listening")
	return nil
}

// Addr returns the bound TCP address.
func (server *Server) Addr() string {
	if server.listener == nil {
		return ""
	}
	return server.listener.Addr().String()
}

// WSAddr returns the bound websocket address, or "" when disabled.
func (server *Server) WSAddr() string {
	if server.wsListener == nil {
		return ""
	}
	return server.wsListener.Addr().String()
}

// Stop closes the listeners and every open connection and waits for all
// connection goroutines to exit.
func (server *Server) Stop() {
	if server.listener != nil {
		_ = server.listener.Close()
	}
	if server.httpServer != nil {
		_ = server.httpServer.Close()
	}

	server.lock.Lock()
	for connection := range server.conns {
		_ = connection.stream.Close()
	}
	server.lock.Unlock()

	server.wg.Wait()
}

func (server *Server) acceptLoop(listener net.Listener) {
	defer server.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			server.handleStream(conn, conn.RemoteAddr().String())
		}()
	}
}

type serverConn struct {
	server *Server
	id     uint64
	remote string
	stream io.ReadWriteCloser
	reader *bufio.Reader

	writeLock sync.Mutex
	verbose   bool
	pedantic  bool

	lock sync.Mutex
	subs map[uint64]*serverSub
}

type serverSub struct {
	pattern   string
	queue     string
	remaining int // -1 means unlimited
}

// handleStream runs one connection to completion. Called from the TCP accept
// loop and, for websocket connections, from the HTTP handler goroutine.
func (server *Server) handleStream(stream io.ReadWriteCloser, remote string) {
	server.lock.Lock()
	server.nextCID++
	connection := &serverConn{
		server:  server,
		id:      server.nextCID,
		remote:  remote,
		stream:  stream,
		reader:  bufio.NewReader(stream),
		verbose: server.config.VerboseDefault,
		subs:    make(map[uint64]*serverSub),
	}
	server.conns[connection] = struct{}{}
	server.lock.Unlock()

	if server.config.LogConns {
		server.config.Logger.Info().Uint64("cid", connection.id).Str("remote", remote).Msg("client connected")
	}

	connection.serve()

	server.lock.Lock()
	delete(server.conns, connection)
	server.lock.Unlock()
	_ = stream.Close()

	if server.config.LogConns {
		server.config.Logger.Info().Uint64("cid", connection.id).Str("remote", remote).Msg("client disconnected")
	}
}

func (connection *serverConn) write(frame []byte) {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	_, _ = connection.stream.Write(frame)
}

func (connection *serverConn) ack() {
	if connection.verbose {
		connection.write([]byte("+OK\r\n"))
	}
}

func (connection *serverConn) sendErr(reason string) {
	connection.write([]byte("-ERR '" + reason + "'\r\n"))
}

func (connection *serverConn) serve() {
	config := connection.server.config

	greeting := fmt.Sprintf(
		"INFO {\"server_id\":%q,\"version\":%q,\"proto\":1,\"max_payload\":%d,\"auth_required\":%v}\r\n",
		config.ServerID, config.Version, config.MaxPayload, len(config.Auth) > 0)
	connection.write([]byte(greeting))

	for {
		rawLine, err := connection.reader.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimSuffix(strings.TrimSuffix(rawLine, "\n"), "\r")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "CONNECT":
			if !connection.handleConnect(strings.TrimSpace(line[len("CONNECT"):])) {
				return
			}

		case "PING":
			connection.write([]byte("PONG\r\n"))

		case "PONG":
			// Client keep-alive reply; nothing to do.

		case "SUB":
			connection.handleSub(fields[1:])

		case "UNSUB":
			connection.handleUnsub(fields[1:])

		case "PUB":
			if !connection.handlePub(fields[1:]) {
				return
			}

		default:
			connection.sendErr("Unknown Protocol Operation")
			return
		}
	}
}

func (connection *serverConn) handleConnect(body string) bool {
	var options struct {
		Verbose   bool   `json:"verbose"`
		Pedantic  bool   `json:"pedantic"`
		User      string `json:"user"`
		Pass      string `json:"pass"`
		AuthToken string `json:"auth_token"`
	}
	if err := json.Unmarshal([]byte(body), &options); err != nil {
		connection.sendErr("Invalid Client Protocol")
		return false
	}
	connection.verbose = options.Verbose
	connection.pedantic = options.Pedantic

	auth := connection.server.config.Auth
	if len(auth) > 0 {
		expected, known := auth[options.User]
		if !known || expected != options.Pass {
			connection.sendErr("Authorization Violation")
			return false
		}
	}

	connection.ack()
	return true
}

func (connection *serverConn) handleSub(args []string) {
	var pattern, queue, sidField string
	switch len(args) {
	case 2:
		pattern, sidField = args[0], args[1]
	case 3:
		pattern, queue, sidField = args[0], args[1], args[2]
	default:
		connection.sendErr("Invalid Subject")
		return
	}

	sid, err := strconv.ParseUint(sidField, 10, 64)
	if err != nil || !validPattern(pattern) {
		connection.sendErr("Invalid Subject")
		return
	}

	connection.lock.Lock()
	connection.subs[sid] = &serverSub{pattern: pattern, queue: queue, remaining: -1}
	connection.lock.Unlock()
	connection.ack()
}

func (connection *serverConn) handleUnsub(args []string) {
	if len(args) == 0 {
		connection.sendErr("Unknown Protocol Operation")
		return
	}
	sid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		connection.sendErr("Unknown Protocol Operation")
		return
	}

	connection.lock.Lock()
	if len(args) > 1 {
		if limit, err := strconv.Atoi(args[1]); err == nil && limit > 0 {
			if subscription, exists := connection.subs[sid]; exists {
				subscription.remaining = limit
			}
		}
	} else {
		delete(connection.subs, sid)
	}
	connection.lock.Unlock()
	connection.ack()
}

func (connection *serverConn) handlePub(args []string) bool {
	var subject, reply, sizeField string
	switch len(args) {
	case 2:
		subject, sizeField = args[0], args[1]
	case 3:
		subject, reply, sizeField = args[0], args[1], args[2]
	default:
		connection.sendErr("Unknown Protocol Operation")
		return false
	}

	size, err := strconv.Atoi(sizeField)
	if err != nil || size < 0 {
		connection.sendErr("Unknown Protocol Operation")
		return false
	}
	if size > connection.server.config.MaxPayload {
		connection.sendErr("Maximum Payload Violation")
		return false
	}

	block := make([]byte, size+2)
	if _, err := io.ReadFull(connection.reader, block); err != nil {
		return false
	}
	payload := block[:size]

	if connection.pedantic && !validSubject(subject) {
		connection.sendErr("Invalid Subject")
		return true
	}

	connection.server.fanout(subject, reply, payload)
	connection.ack()
	return true
}

// fanout delivers a publish to every matching plain subscription and to one
// randomly chosen member per queue group, mirroring server-side load-sharing
// semantics.
func (server *Server) fanout(subject string, reply string, payload []byte) {
	type target struct {
		connection *serverConn
		sid        uint64
	}
	var plain []target
	groups := make(map[string][]target)

	server.lock.Lock()
	conns := make([]*serverConn, 0, len(server.conns))
	for connection := range server.conns {
		conns = append(conns, connection)
	}
	server.lock.Unlock()

	for _, connection := range conns {
		connection.lock.Lock()
		for sid, subscription := range connection.subs {
			if subscription.remaining == 0 || !subjectMatches(subject, subscription.pattern) {
				continue
			}
			if subscription.queue == "" {
				plain = append(plain, target{connection, sid})
			} else {
				groups[subscription.queue] = append(groups[subscription.queue], target{connection, sid})
			}
		}
		connection.lock.Unlock()
	}

	deliver := func(destination target) {
		destination.connection.lock.Lock()
		if subscription, exists := destination.connection.subs[destination.sid]; exists {
			if subscription.remaining > 0 {
				subscription.remaining--
				if subscription.remaining == 0 {
					delete(destination.connection.subs, destination.sid)
				}
			}
		}
		destination.connection.lock.Unlock()

		if latency := server.config.Latency; latency > 0 {
			time.Sleep(latency)
		}

		frame := make([]byte, 0, len(subject)+len(reply)+len(payload)+32)
		frame = append(frame, "MSG "...)
		frame = append(frame, subject...)
		frame = append(frame, ' ')
		frame = strconv.AppendUint(frame, destination.sid, 10)
		if reply != "" {
			frame = append(frame, ' ')
			frame = append(frame, reply...)
		}
		frame = append(frame, ' ')
		frame = strconv.AppendInt(frame, int64(len(payload)), 10)
		frame = append(frame, "\r\n"...)
		frame = append(frame, payload...)
		frame = append(frame, "\r\n"...)
		destination.connection.write(frame)
	}

	for _, destination := range plain {
		deliver(destination)
	}
	for _, members := range groups {
		server.lock.Lock()
		index := server.rng.Intn(len(members))
		server.lock.Unlock()
		deliver(members[index])
	}
}

// wsBridge adapts a message-oriented websocket connection to the byte stream
// the protocol reader consumes.
type wsBridge struct {
	ws      *websocket.Conn
	current io.Reader
}

func (bridge *wsBridge) Read(buffer []byte) (int, error) {
	for {
		if bridge.current == nil {
			_, messageReader, err := bridge.ws.NextReader()
			if err != nil {
				return 0, err
			}
			bridge.current = messageReader
		}

		n, err := bridge.current.Read(buffer)
		if err == io.EOF {
			bridge.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (bridge *wsBridge) Write(buffer []byte) (int, error) {
	if err := bridge.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (bridge *wsBridge) Close() error { return bridge.ws.Close() }
