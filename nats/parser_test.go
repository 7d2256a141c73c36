package nats

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func readerFor(input string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(input))
}

func TestEncodePub(t *testing.T) {
	frame := encodePub("orders", "", []byte("hello"))
	if got, want := string(frame), "PUB orders 5\r\nhello\r\n"; got != want {
		t.Fatalf("unexpected PUB frame: got %q want %q", got, want)
	}

	frame = encodePub("orders", "_INBOX.1", []byte{})
	if got, want := string(frame), "PUB orders _INBOX.1 0\r\n\r\n"; got != want {
		t.Fatalf("unexpected PUB frame with reply: got %q want %q", got, want)
	}
}

func TestEncodeSubUnsub(t *testing.T) {
	if got, want := string(encodeSub("jobs", "workers", 7)), "SUB jobs workers 7\r\n"; got != want {
		t.Fatalf("unexpected SUB frame: got %q want %q", got, want)
	}
	if got, want := string(encodeSub("jobs", "", 7)), "SUB jobs 7\r\n"; got != want {
		t.Fatalf("unexpected SUB frame without queue: got %q want %q", got, want)
	}
	if got, want := string(encodeUnsub(7, 0)), "UNSUB 7\r\n"; got != want {
		t.Fatalf("unexpected UNSUB frame: got %q want %q", got, want)
	}
	if got, want := string(encodeUnsub(7, 3)), "UNSUB 7 3\r\n"; got != want {
		t.Fatalf("unexpected UNSUB frame with drain: got %q want %q", got, want)
	}
}

func TestEncodeConnect(t *testing.T) {
	frame, err := encodeConnect(&connectOptions{Name: "c1", Lang: clientLang, Version: ClientVersion, Verbose: true})
	if err != nil {
		t.Fatalf("encodeConnect failed: %v", err)
	}
	if !bytes.HasPrefix(frame, []byte("CONNECT {")) || !bytes.HasSuffix(frame, []byte("}\r\n")) {
		t.Fatalf("malformed CONNECT frame: %q", frame)
	}
	if !bytes.Contains(frame, []byte(`"verbose":true`)) {
		t.Fatalf("CONNECT frame missing verbose flag: %q", frame)
	}
}

// Encoding a PUB and decoding the same bytes back as a MSG frame must yield
// identical subject and payload.
func TestPubMsgRoundTrip(t *testing.T) {
	payload := []byte("round-trip \x00\x01 payload")
	pub := encodePub("metrics.cpu", "_INBOX.42", payload)

	asMsg := strings.Replace(string(pub), "PUB metrics.cpu", "MSG metrics.cpu 3", 1)
	decoded, err := decodeFrame(readerFor(asMsg))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.kind != frameMsg {
		t.Fatalf("unexpected frame kind %d", decoded.kind)
	}
	if decoded.msg.Subject != "metrics.cpu" || decoded.msg.Reply != "_INBOX.42" || decoded.msg.SID != 3 {
		t.Fatalf("unexpected MSG header: %+v", decoded.msg)
	}
	if !bytes.Equal(decoded.msg.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded.msg.Payload, payload)
	}
}

func TestDecodeMsgWithoutReply(t *testing.T) {
	decoded, err := decodeFrame(readerFor("MSG orders 1 5\r\nhello\r\n"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.msg.Subject != "orders" || decoded.msg.SID != 1 || decoded.msg.Reply != "" {
		t.Fatalf("unexpected MSG header: %+v", decoded.msg)
	}
	if string(decoded.msg.Payload) != "hello" {
		t.Fatalf("unexpected payload %q", decoded.msg.Payload)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	decoded, err := decodeFrame(readerFor("MSG orders 1 0\r\n\r\n"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.msg.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", decoded.msg.Payload)
	}
}

func TestDecodeControlFrames(t *testing.T) {
	cases := []struct {
		input string
		kind  int
	}{
		{"PING\r\n", framePing},
		{"PONG\r\n", framePong},
		{"+OK\r\n", frameOK},
		{"INFO {\"server_id\":\"s\"}\r\n", frameInfo},
	}
	for _, testCase := range cases {
		decoded, err := decodeFrame(readerFor(testCase.input))
		if err != nil {
			t.Fatalf("decode of %q failed: %v", testCase.input, err)
		}
		if decoded.kind != testCase.kind {
			t.Fatalf("decode of %q: got kind %d want %d", testCase.input, decoded.kind, testCase.kind)
		}
	}
}

func TestDecodeServerError(t *testing.T) {
	decoded, err := decodeFrame(readerFor("-ERR 'Unknown Protocol Operation'\r\n"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.kind != frameErr || decoded.errText != "Unknown Protocol Operation" {
		t.Fatalf("unexpected -ERR frame: kind=%d text=%q", decoded.kind, decoded.errText)
	}
}

func TestDecodeUnknownTokenIsProtocolError(t *testing.T) {
	_, err := decodeFrame(readerFor("BOGUS something\r\n"))
	if !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDecodeBadNumericFields(t *testing.T) {
	if _, err := decodeFrame(readerFor("MSG orders abc 5\r\nhello\r\n")); !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError for non-numeric sid, got %v", err)
	}
	if _, err := decodeFrame(readerFor("MSG orders 1 xyz\r\nhello\r\n")); !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError for non-numeric byte count, got %v", err)
	}
	if _, err := decodeFrame(readerFor("MSG orders\r\n")); !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError for missing arguments, got %v", err)
	}
}

// A declared byte count that does not line up with the trailing delimiter is
// a framing violation and must not deliver a message.
func TestDecodePayloadCountMismatch(t *testing.T) {
	_, err := decodeFrame(readerFor("MSG orders 1 3\r\nhello\r\n"))
	if !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDecodeLineWithoutCRLF(t *testing.T) {
	_, err := decodeFrame(readerFor("PING\n"))
	if !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError for bare LF, got %v", err)
	}
}
