package nats

import (
	"time"

	"github.com/rs/xid"
)

const inboxPrefix = "_INBOX."

// newInbox returns a reply subject unique enough to never collide across
// clients talking to the same server.
func newInbox() string {
	return inboxPrefix + xid.New().String()
}

// Request publishes payload with a fresh inbox reply subject and blocks
// until the first response arrives or the timeout elapses. The inbox
// subscription is limited to a single delivery and removed afterwards.
func (client *Client) Request(subject string, payload []byte, timeout ...time.Duration) (*Message, error) {
	if err := client.requireReady("request"); err != nil {
		return nil, err
	}

	inbox := newInbox()
	replies := make(chan *Message, 1)
	done := client.readerDone

	sid, err := client.Subscribe(inbox, func(message *Message) error {
		select {
		case replies <- message:
		default:
		}
		return nil
	}, WithMaxDeliveries(1))
	if err != nil {
		return nil, err
	}

	if err := client.Publish(subject, payload, inbox); err != nil {
		_ = client.Unsubscribe(sid)
		return nil, err
	}

	requestTimeout := defaultRequestTimeout
	if len(timeout) > 0 && timeout[0] > 0 {
		requestTimeout = timeout[0]
	}

	select {
	case message := <-replies:
		return message, nil
	case <-done:
		return nil, NewError(NotConnectedError, "connection closed")
	case <-time.After(requestTimeout):
		_ = client.Unsubscribe(sid)
		return nil, NewError(TimedOutError, "no reply for request on "+subject)
	}
}
