package nats

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// testServer is a minimal in-process server speaking just enough of the wire
// protocol for the client tests: INFO greeting, CONNECT, PING/PONG, SUB,
// UNSUB with drain counts, PUB fanout with exact subject matching and
// queue-group rotation, and verbose +OK acknowledgements.
type testServer struct {
	listener net.Listener
	wg       sync.WaitGroup

	maxPayload    int
	rejectSubject string // PUB to this subject answers -ERR instead of +OK

	lock      sync.Mutex
	conns     []*testServerConn
	pongCount int
	rotation  map[string]int // queue-group round robin, keyed subject|group
}

type testServerConn struct {
	conn      net.Conn
	writeLock sync.Mutex
	verbose   bool

	lock sync.Mutex
	subs map[uint64]*testServerSub
}

type testServerSub struct {
	subject   string
	queue     string
	remaining int // -1 means unlimited
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	server := &testServer{
		listener:   listener,
		maxPayload: 1048576,
		rotation:   make(map[string]int),
	}
	server.wg.Add(1)
	go server.acceptLoop()

	t.Cleanup(server.Stop)
	return server
}

func (server *testServer) Addr() string { return server.listener.Addr().String() }

func (server *testServer) URL() string { return "nats://" + server.Addr() }

func (server *testServer) Stop() {
	_ = server.listener.Close()
	server.lock.Lock()
	for _, connection := range server.conns {
		_ = connection.conn.Close()
	}
	server.lock.Unlock()
	server.wg.Wait()
}

func (server *testServer) acceptLoop() {
	defer server.wg.Done()
	for {
		conn, err := server.listener.Accept()
		if err != nil {
			return
		}
		serverConn := &testServerConn{conn: conn, subs: make(map[uint64]*testServerSub)}
		server.lock.Lock()
		server.conns = append(server.conns, serverConn)
		server.lock.Unlock()

		server.wg.Add(1)
		go server.serveConn(serverConn)
	}
}

// BroadcastRaw injects raw bytes into every open connection, for driving the
// client with server-initiated frames (PING, -ERR, INFO, garbage).
func (server *testServer) BroadcastRaw(frame []byte) {
	server.lock.Lock()
	defer server.lock.Unlock()
	for _, connection := range server.conns {
		connection.write(frame)
	}
}

// PongCount reports how many PONG frames the server has received.
func (server *testServer) PongCount() int {
	server.lock.Lock()
	defer server.lock.Unlock()
	return server.pongCount
}

func (connection *testServerConn) write(frame []byte) {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	_, _ = connection.conn.Write(frame)
}

func (connection *testServerConn) ack(err string) {
	if !connection.verbose {
		return
	}
	if err == "" {
		connection.write([]byte("+OK\r\n"))
	} else {
		connection.write([]byte("-ERR '" + err + "'\r\n"))
	}
}

func (server *testServer) serveConn(connection *testServerConn) {
	defer server.wg.Done()
	defer func() { _ = connection.conn.Close() }()

	greeting := fmt.Sprintf(
		"INFO {\"server_id\":\"test-server\",\"version\":\"0.0.1\",\"proto\":1,\"max_payload\":%d}\r\n",
		server.maxPayload)
	connection.write([]byte(greeting))

	reader := bufio.NewReader(connection.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "CONNECT":
			var options struct {
				Verbose bool `json:"verbose"`
			}
			_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "CONNECT ")), &options)
			connection.verbose = options.Verbose
			connection.ack("")

		case "PING":
			connection.write([]byte("PONG\r\n"))

		case "PONG":
			server.lock.Lock()
			server.pongCount++
			server.lock.Unlock()

		case "SUB":
			server.handleSub(connection, fields[1:])

		case "UNSUB":
			server.handleUnsub(connection, fields[1:])

		case "PUB":
			if !server.handlePub(connection, reader, fields[1:]) {
				return
			}

		default:
			connection.ack("Unknown Protocol Operation")
		}
	}
}

func (server *testServer) handleSub(connection *testServerConn, args []string) {
	var subject, queue, sidField string
	switch len(args) {
	case 2:
		subject, sidField = args[0], args[1]
	case 3:
		subject, queue, sidField = args[0], args[1], args[2]
	default:
		connection.ack("Invalid Subject")
		return
	}
	sid, _ := strconv.ParseUint(sidField, 10, 64)

	connection.lock.Lock()
	connection.subs[sid] = &testServerSub{subject: subject, queue: queue, remaining: -1}
	connection.lock.Unlock()
	connection.ack("")
}

func (server *testServer) handleUnsub(connection *testServerConn, args []string) {
	if len(args) == 0 {
		return
	}
	sid, _ := strconv.ParseUint(args[0], 10, 64)

	connection.lock.Lock()
	if len(args) > 1 {
		if limit, err := strconv.Atoi(args[1]); err == nil {
			if subscription, exists := connection.subs[sid]; exists {
				subscription.remaining = limit
			}
		}
	} else {
		delete(connection.subs, sid)
	}
	connection.lock.Unlock()
	connection.ack("")
}

func (server *testServer) handlePub(connection *testServerConn, reader *bufio.Reader, args []string) bool {
	var subject, reply, sizeField string
	switch len(args) {
	case 2:
		subject, sizeField = args[0], args[1]
	case 3:
		subject, reply, sizeField = args[0], args[1], args[2]
	default:
		connection.ack("Invalid Publish")
		return true
	}
	size, err := strconv.Atoi(sizeField)
	if err != nil || size < 0 {
		return false
	}

	block := make([]byte, size+2)
	if _, err := io.ReadFull(reader, block); err != nil {
		return false
	}
	payload := block[:size]

	if server.rejectSubject != "" && subject == server.rejectSubject {
		connection.ack("Publish Not Permitted")
		return true
	}

	server.fanout(subject, reply, payload)
	connection.ack("")
	return true
}

// fanout delivers to every plain matching subscription and to one member per
// queue group, rotating members round robin.
func (server *testServer) fanout(subject string, reply string, payload []byte) {
	type target struct {
		connection *testServerConn
		sid        uint64
	}
	var plain []target
	groups := make(map[string][]target)

	server.lock.Lock()
	conns := append([]*testServerConn(nil), server.conns...)
	server.lock.Unlock()

	for _, connection := range conns {
		connection.lock.Lock()
		for sid, subscription := range connection.subs {
			if subscription.subject != subject || subscription.remaining == 0 {
				continue
			}
			if subscription.queue == "" {
				plain = append(plain, target{connection, sid})
			} else {
				key := subject + "|" + subscription.queue
				groups[key] = append(groups[key], target{connection, sid})
			}
		}
		connection.lock.Unlock()
	}

	deliver := func(destination target) {
		destination.connection.lock.Lock()
		if subscription, exists := destination.connection.subs[destination.sid]; exists && subscription.remaining != 0 {
			if subscription.remaining > 0 {
				subscription.remaining--
				if subscription.remaining == 0 {
					delete(destination.connection.subs, destination.sid)
				}
			}
		}
		destination.connection.lock.Unlock()

		var frame bytes.Buffer
		frame.WriteString("MSG " + subject + " " + strconv.FormatUint(destination.sid, 10))
		if reply != "" {
			frame.WriteString(" " + reply)
		}
		frame.WriteString(" " + strconv.Itoa(len(payload)) + "\r\n")
		frame.Write(payload)
		frame.WriteString("\r\n")
		destination.connection.write(frame.Bytes())
	}

	for _, destination := range plain {
		deliver(destination)
	}
	for key, members := range groups {
		server.lock.Lock()
		index := server.rotation[key] % len(members)
		server.rotation[key]++
		server.lock.Unlock()
		deliver(members[index])
	}
}
