package nats

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ClientVersion is reported to the server in the CONNECT command.
const (
	ClientVersion = "0.1.0"
	clientLang    = "go"
)

// ConnState is the connection lifecycle state. The connection is in exactly
// one state at any instant; transitions are driven by facade calls and by
// frames observed on the dispatch goroutine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingInfo
	StateReady
	StateClosing
	StateClosed
)

func (state ConnState) String() string {
	switch state {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingInfo:
		return "awaiting-info"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientStats is a snapshot of per-client traffic counters. Counters
// accumulate across reconnects.
type ClientStats struct {
	Delivered uint64
	Published uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Client is the synchronous facade over one connection: connect, publish,
// subscribe, unsubscribe, wait and close. Exactly two goroutines interact
// with it during normal operation — the caller's and the dispatch loop's.
// All exported methods are safe for concurrent use.
type Client struct {
	name           string
	url            string
	verbose        bool
	pedantic       bool
	username       string
	password       string
	token          string
	connectTimeout time.Duration
	tlsConfig      *tls.Config
	errorHandler   func(error)
	stateHandler   func(ConnState)
	logger         zerolog.Logger

	// lock serializes Connect and Close against each other. It is never
	// taken on the dispatch goroutine, so Close can safely join it.
	lock  sync.Mutex
	state atomic.Int32

	// Connection-scoped resources, replaced wholesale on each Connect.
	transport  *transport
	registry   *subscriptionRegistry
	readerDone chan struct{}
	acks       chan error
	pongs      chan struct{}

	infoLock   sync.Mutex
	serverInfo ServerInfo

	// writeLock serializes socket writes so concurrent publishers never
	// interleave partial frames; in verbose mode it also holds the
	// command/acknowledgement pairing together.
	writeLock sync.Mutex

	// waitLock guards the delivery counter and error observation points
	// shared between Wait callers and the dispatch loop.
	waitLock   sync.Mutex
	waitCond   *sync.Cond
	delivered  uint64
	pendingErr error // fatal: transport or protocol failure, or closed
	serverErr  error // last uncorrelated -ERR, cleared once observed

	statsDelivered atomic.Uint64
	statsPublished atomic.Uint64
	statsBytesIn   atomic.Uint64
	statsBytesOut  atomic.Uint64
}

// NewClient returns a new unconnected Client. A client name may be provided;
// otherwise one is generated.
func NewClient(name ...string) *Client {
	var clientName string
	if len(name) > 0 {
		clientName = name[0]
	} else {
		clientName = "nats-go-" + strconv.FormatInt(time.Now().Unix(), 10) +
			"-" + strconv.FormatInt(rand.Int63n(1000000000000), 10)
	}

	client := &Client{
		name:           clientName,
		url:            DefaultURL,
		connectTimeout: defaultConnectTimeout,
		logger:         zerolog.Nop(),
	}
	client.waitCond = sync.NewCond(&client.waitLock)
	client.state.Store(int32(StateDisconnected))

	return client
}

// Name returns the client name reported to the server.
func (client *Client) Name() string { return client.name }

// State returns the current connection state.
func (client *Client) State() ConnState { return ConnState(client.state.Load()) }

// ServerInfo returns the most recent greeting captured from the server.
func (client *Client) ServerInfo() ServerInfo {
	client.infoLock.Lock()
	defer client.infoLock.Unlock()
	return client.serverInfo
}

// Stats returns a snapshot of the client's traffic counters.
func (client *Client) Stats() ClientStats {
	return ClientStats{
		Delivered: client.statsDelivered.Load(),
		Published: client.statsPublished.Load(),
		BytesIn:   client.statsBytesIn.Load(),
		BytesOut:  client.statsBytesOut.Load(),
	}
}

func (client *Client) setState(state ConnState) {
	previous := ConnState(client.state.Swap(int32(state)))
	if previous == state {
		return
	}
	client.logger.Debug().Stringer("from", previous).Stringer("to", state).Msg("connection state changed")
	if client.stateHandler != nil {
		client.stateHandler(state)
	}
}

func (client *Client) setServerInfo(info ServerInfo) {
	client.infoLock.Lock()
	client.serverInfo = info
	client.infoLock.Unlock()
}

// Connect establishes the socket, performs the INFO/CONNECT handshake and
// starts the dispatch loop. A URL may be supplied here, overriding SetURL.
// Reconnection after Close is a fresh Connect: it produces a new transport,
// a new registry and a new identifier sequence rather than resurrecting the
// old connection's state.
func (client *Client) Connect(rawURL ...string) error {
	if len(rawURL) > 0 {
		client.url = rawURL[0]
	}

	client.lock.Lock()
	defer client.lock.Unlock()

	switch client.State() {
	case StateDisconnected, StateClosed:
	default:
		return NewError(AlreadyConnectedError)
	}

	client.setState(StateConnecting)
	tr, parsed, err := dialTransport(client.url, client.tlsConfig, client.connectTimeout)
	if err != nil {
		client.setState(StateDisconnected)
		return err
	}

	client.transport = tr
	client.registry = newSubscriptionRegistry()
	client.readerDone = make(chan struct{})
	client.acks = make(chan error, 1)
	client.pongs = make(chan struct{}, 1)
	client.waitLock.Lock()
	client.delivered = 0
	client.pendingErr = nil
	client.serverErr = nil
	client.waitLock.Unlock()

	client.setState(StateAwaitingInfo)
	if err := client.handshake(tr, parsed); err != nil {
		tr.shutdown()
		client.setState(StateDisconnected)
		return err
	}

	client.setState(StateReady)
	go client.readRoutine(tr)

	client.logger.Info().Str("url", client.url).Str("server", client.ServerInfo().ServerID).Msg("connected")
	return nil
}

// handshake waits for the server's INFO greeting, captures it, and answers
// with the CONNECT command. In verbose mode the server's +OK/-ERR for the
// CONNECT is awaited before the connection is considered ready. The whole
// exchange is bounded by the connect timeout: the timer shuts the transport
// down, which unblocks the greeting read.
func (client *Client) handshake(tr *transport, parsed *url.URL) error {
	timer := time.AfterFunc(client.connectTimeout, tr.shutdown)
	defer timer.Stop()

	greeting, err := tr.readFrame()
	if err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return NewError(TimedOutError, "no INFO greeting within the connect timeout")
		}
		return err
	}
	if greeting.kind != frameInfo {
		return NewError(ProtocolError, "server did not open with an INFO greeting")
	}

	var info ServerInfo
	if err := json.Unmarshal(greeting.info, &info); err != nil {
		return NewError(ProtocolError, fmt.Sprintf("malformed INFO body (%v)", err))
	}
	client.setServerInfo(info)

	connectFrame, err := encodeConnect(client.connectOptions(parsed))
	if err != nil {
		return err
	}
	if err := tr.send(connectFrame); err != nil {
		return err
	}

	if !client.verbose {
		return nil
	}

	// Bounded wait for the CONNECT acknowledgement; a PING arriving first is
	// answered in place.
	for {
		ack, err := tr.readFrame()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return NewError(TimedOutError, "no CONNECT acknowledgement within the connect timeout")
			}
			return err
		}
		switch ack.kind {
		case frameOK:
			return nil
		case frameErr:
			return NewError(ServerError, ack.errText)
		case framePing:
			if err := tr.send(pongBytes); err != nil {
				return err
			}
		default:
			return NewError(ProtocolError, "unexpected frame while awaiting CONNECT acknowledgement")
		}
	}
}

// connectOptions assembles the CONNECT body. Explicitly set credentials win
// over credentials embedded in the URL; a URL username without a password is
// treated as an auth token.
func (client *Client) connectOptions(parsed *url.URL) *connectOptions {
	options := &connectOptions{
		Name:     client.name,
		Lang:     clientLang,
		Version:  ClientVersion,
		Verbose:  client.verbose,
		Pedantic: client.pedantic,
	}

	switch {
	case client.username != "":
		options.User = client.username
		options.Pass = client.password
	case client.token != "":
		options.AuthToken = client.token
	case parsed.User != nil:
		username := parsed.User.Username()
		if password, hasPassword := parsed.User.Password(); hasPassword {
			options.User = username
			options.Pass = password
		} else if username != "" {
			options.AuthToken = username
		}
	}

	return options
}

// readRoutine is the dispatch loop: the single background worker that
// decodes frames in wire order and routes them. Data frames go to the
// registry's matching handler, PING gets an immediate PONG, INFO refreshes
// the captured greeting, -ERR is surfaced to waiters, and a transport or
// protocol failure terminates the loop and the connection.
func (client *Client) readRoutine(tr *transport) {
	defer close(client.readerDone)

	for {
		decoded, err := tr.readFrame()
		if err != nil {
			client.onReadError(tr, err)
			return
		}

		switch decoded.kind {
		case frameMsg:
			client.dispatchMessage(decoded.msg)

		case framePing:
			if err := client.sendRaw(pongBytes); err != nil {
				client.onReadError(tr, err)
				return
			}

		case framePong:
			select {
			case client.pongs <- struct{}{}:
			default:
			}

		case frameInfo:
			var info ServerInfo
			if err := json.Unmarshal(decoded.info, &info); err != nil {
				client.onReadError(tr, NewError(ProtocolError, fmt.Sprintf("malformed INFO body (%v)", err)))
				return
			}
			client.setServerInfo(info)

		case frameOK:
			if client.verbose {
				select {
				case client.acks <- nil:
				default:
				}
			}

		case frameErr:
			client.onServerError(decoded.errText)
		}
	}
}

func (client *Client) dispatchMessage(message *Message) {
	delivered, err := client.registry.deliver(message)
	if err != nil {
		client.logger.Warn().Err(err).Str("subject", message.Subject).Msg("message handler failed")
		if client.errorHandler != nil {
			client.errorHandler(err)
		}
	}
	if !delivered {
		// Unsubscribe raced an in-flight delivery; expected, drop silently.
		client.logger.Debug().Uint64("sid", message.SID).Msg("dropping message for removed subscription")
		return
	}

	client.statsDelivered.Add(1)
	client.statsBytesIn.Add(uint64(len(message.Payload)))

	client.waitLock.Lock()
	client.delivered++
	client.waitCond.Broadcast()
	client.waitLock.Unlock()
}

// onServerError routes a -ERR frame. In verbose mode an operation awaiting
// its acknowledgement receives it; otherwise it is held for the next Wait
// caller and reported to the error handler. A -ERR does not by itself close
// the connection.
func (client *Client) onServerError(reason string) {
	err := NewError(ServerError, reason)

	if client.verbose {
		select {
		case client.acks <- err:
			return
		default:
		}
	}

	client.waitLock.Lock()
	client.serverErr = err
	client.waitCond.Broadcast()
	client.waitLock.Unlock()

	client.logger.Warn().Str("reason", reason).Msg("server reported an error")
	if client.errorHandler != nil {
		client.errorHandler(err)
	}
}

// onReadError terminates the dispatch loop. A shutdown requested by Close
// only records the disconnection for concurrent waiters; a failure observed
// on the wire additionally tears the connection down from here.
func (client *Client) onReadError(tr *transport, err error) {
	requestedClose := errors.Is(err, ErrTransportClosed)

	client.waitLock.Lock()
	if client.pendingErr == nil {
		if requestedClose {
			client.pendingErr = NewError(NotConnectedError, "connection closed")
		} else {
			client.pendingErr = err
		}
	}
	client.waitCond.Broadcast()
	client.waitLock.Unlock()

	if requestedClose {
		return
	}

	client.logger.Error().Err(err).Msg("dispatch loop terminated")
	if client.errorHandler != nil {
		client.errorHandler(err)
	}

	client.setState(StateClosing)
	tr.shutdown()
	client.registry.clear()
	client.setState(StateClosed)
}

func (client *Client) sendRaw(frame []byte) error {
	client.writeLock.Lock()
	defer client.writeLock.Unlock()
	return client.sendLocked(frame)
}

func (client *Client) sendLocked(frame []byte) error {
	tr := client.transport
	if tr == nil {
		return NewError(NotConnectedError, "client has no transport")
	}
	if err := tr.send(frame); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return NewError(NotConnectedError, "connection closed")
		}
		return err
	}
	return nil
}

// sendCommand writes one command frame and, in verbose mode, awaits the
// server's +OK/-ERR for it. The write lock is held across the wait so
// acknowledgements pair with commands in call order.
func (client *Client) sendCommand(frame []byte) error {
	client.writeLock.Lock()
	defer client.writeLock.Unlock()

	if err := client.sendLocked(frame); err != nil {
		return err
	}
	if !client.verbose {
		return nil
	}

	select {
	case err := <-client.acks:
		return err
	case <-client.readerDone:
		return NewError(NotConnectedError, "connection closed")
	case <-time.After(defaultAckTimeout):
		return NewError(TimedOutError, "no acknowledgement from server")
	}
}

func (client *Client) requireReady(operation string) error {
	if client.State() != StateReady {
		return NewError(NotConnectedError, "client is not connected while trying to "+operation)
	}
	return nil
}

// Publish sends payload to a subject, fire and forget. An optional reply
// subject may be attached for request/reply patterns.
func (client *Client) Publish(subject string, payload []byte, reply ...string) error {
	if subject == "" {
		return NewError(InvalidSubjectError, "a subject must be specified")
	}
	if err := client.requireReady("publish"); err != nil {
		return err
	}
	if max := client.ServerInfo().MaxPayload; max > 0 && len(payload) > max {
		return NewError(PayloadTooLargeError, fmt.Sprintf("%d bytes exceeds the server maximum of %d", len(payload), max))
	}

	var replySubject string
	if len(reply) > 0 {
		replySubject = reply[0]
	}

	if err := client.sendCommand(encodePub(subject, replySubject, payload)); err != nil {
		return err
	}

	client.statsPublished.Add(1)
	client.statsBytesOut.Add(uint64(len(payload)))
	return nil
}

// Subscribe registers handler for a subject and returns the subscription
// identifier. Identifiers are strictly increasing and never reused within a
// connection's lifetime.
func (client *Client) Subscribe(subject string, handler MessageHandler, opts ...SubOption) (uint64, error) {
	if subject == "" {
		return 0, NewError(InvalidSubjectError, "a subject must be specified")
	}
	if err := client.requireReady("subscribe"); err != nil {
		return 0, err
	}

	var options subOptions
	for _, opt := range opts {
		opt(&options)
	}

	subscription := client.registry.allocate(subject, options.queue, handler, options.maxDeliveries)

	if err := client.sendCommand(encodeSub(subject, options.queue, subscription.SID)); err != nil {
		client.registry.remove(subscription.SID)
		return 0, err
	}
	if options.maxDeliveries > 0 {
		// Ask the server to stop at the limit as well, so late messages are
		// not even sent once the subscription is spent.
		if err := client.sendCommand(encodeUnsub(subscription.SID, options.maxDeliveries)); err != nil {
			client.registry.remove(subscription.SID)
			return 0, err
		}
	}

	return subscription.SID, nil
}

// Unsubscribe removes a subscription. With a drain count the subscription
// stays active for that many further deliveries before being auto-removed.
// Unsubscribing an already-removed identifier is a no-op, not an error.
func (client *Client) Unsubscribe(sid uint64, maxDeliveries ...int) error {
	if err := client.requireReady("unsubscribe"); err != nil {
		return err
	}

	limit := 0
	if len(maxDeliveries) > 0 {
		limit = maxDeliveries[0]
	}

	if err := client.sendCommand(encodeUnsub(sid, limit)); err != nil {
		return err
	}

	if limit > 0 {
		client.registry.setDrainLimit(sid, limit)
	} else {
		client.registry.remove(sid)
	}
	return nil
}

// Wait blocks until count further messages have been delivered across all
// subscriptions since the call began. A count of zero or less returns
// immediately. An optional timeout produces a TimedOutError; closing the
// connection while waiting produces a NotConnectedError. Errors observed by
// the dispatch loop surface here.
func (client *Client) Wait(count int, timeout ...time.Duration) error {
	if err := client.requireReady("wait"); err != nil {
		return err
	}

	client.waitLock.Lock()
	defer client.waitLock.Unlock()

	if count <= 0 {
		return nil
	}
	target := client.delivered + uint64(count)

	var deadline time.Time
	if len(timeout) > 0 && timeout[0] > 0 {
		deadline = time.Now().Add(timeout[0])
		timer := time.AfterFunc(timeout[0], func() {
			client.waitLock.Lock()
			client.waitCond.Broadcast()
			client.waitLock.Unlock()
		})
		defer timer.Stop()
	}

	for client.delivered < target {
		if client.pendingErr != nil {
			return client.pendingErr
		}
		if client.serverErr != nil {
			err := client.serverErr
			client.serverErr = nil
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return NewError(TimedOutError, "wait deadline elapsed")
		}
		client.waitCond.Wait()
	}

	return nil
}

// Ping sends a PING and blocks until the server's PONG arrives, bounded by a
// short timeout.
func (client *Client) Ping() error {
	if err := client.requireReady("ping"); err != nil {
		return err
	}

	done := client.readerDone
	select {
	case <-client.pongs:
		// Drain a stale pong from a previous exchange.
	default:
	}

	if err := client.sendRaw(pingBytes); err != nil {
		return err
	}

	select {
	case <-client.pongs:
		return nil
	case <-done:
		return NewError(NotConnectedError, "connection closed")
	case <-time.After(defaultPongTimeout):
		return NewError(TimedOutError, "no PONG from server")
	}
}

// Close shuts the connection down: it requests transport shutdown, which
// unblocks the dispatch loop's in-flight read, joins the loop, removes every
// subscription and releases the socket. Idempotent, and safe to call while
// another goroutine is blocked in Wait — that Wait fails with a
// disconnection error. Close itself has no timeout; transport shutdown
// unconditionally unblocks the reader.
func (client *Client) Close() error {
	client.lock.Lock()
	defer client.lock.Unlock()

	switch client.State() {
	case StateDisconnected, StateClosed:
		return nil
	}

	client.setState(StateClosing)
	client.transport.shutdown()
	<-client.readerDone

	client.registry.clear()
	_ = client.transport.close()
	client.setState(StateClosed)

	client.logger.Info().Msg("connection closed")
	return nil
}
