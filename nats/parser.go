package nats

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frame kinds produced by decodeFrame.
const (
	frameInfo = iota
	frameMsg
	framePing
	framePong
	frameOK
	frameErr
)

// frame is one decoded unit of the wire protocol: a control line, plus the
// payload block for data-bearing frames.
type frame struct {
	kind    int
	info    []byte // raw INFO JSON body
	msg     *Message
	errText string // -ERR reason with quotes stripped
}

var (
	crlf      = []byte("\r\n")
	pingBytes = []byte("PING\r\n")
	pongBytes = []byte("PONG\r\n")

	tokenInfo = []byte("INFO ")
	tokenMsg  = []byte("MSG ")
	tokenPing = []byte("PING")
	tokenPong = []byte("PONG")
	tokenOK   = []byte("+OK")
	tokenErr  = []byte("-ERR")
)

func encodeConnect(options *connectOptions) ([]byte, error) {
	body, err := json.Marshal(options)
	if err != nil {
		return nil, NewError(UnknownError, err)
	}

	buffer := make([]byte, 0, len(body)+10)
	buffer = append(buffer, "CONNECT "...)
	buffer = append(buffer, body...)
	return append(buffer, crlf...), nil
}

func encodePub(subject string, reply string, payload []byte) []byte {
	buffer := make([]byte, 0, len(subject)+len(reply)+len(payload)+16)
	buffer = append(buffer, "PUB "...)
	buffer = append(buffer, subject...)
	if reply != "" {
		buffer = append(buffer, ' ')
		buffer = append(buffer, reply...)
	}
	buffer = append(buffer, ' ')
	buffer = strconv.AppendInt(buffer, int64(len(payload)), 10)
	buffer = append(buffer, crlf...)
	buffer = append(buffer, payload...)
	return append(buffer, crlf...)
}

func encodeSub(subject string, queue string, sid uint64) []byte {
	buffer := make([]byte, 0, len(subject)+len(queue)+16)
	buffer = append(buffer, "SUB "...)
	buffer = append(buffer, subject...)
	if queue != "" {
		buffer = append(buffer, ' ')
		buffer = append(buffer, queue...)
	}
	buffer = append(buffer, ' ')
	buffer = strconv.AppendUint(buffer, sid, 10)
	return append(buffer, crlf...)
}

func encodeUnsub(sid uint64, maxDeliveries int) []byte {
	buffer := make([]byte, 0, 24)
	buffer = append(buffer, "UNSUB "...)
	buffer = strconv.AppendUint(buffer, sid, 10)
	if maxDeliveries > 0 {
		buffer = append(buffer, ' ')
		buffer = strconv.AppendInt(buffer, int64(maxDeliveries), 10)
	}
	return append(buffer, crlf...)
}

// readControlLine reads bytes up to and including LF and verifies the CRLF
// delimiter, returning the line without it. I/O errors are passed through
// untouched so the transport layer can classify them.
func readControlLine(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, NewError(ProtocolError, fmt.Sprintf("control line %q is not CRLF-terminated", line))
	}
	return line[:len(line)-2], nil
}

// decodeFrame reads exactly one frame from the stream. Unknown leading tokens
// and malformed numeric fields fail fast with a ProtocolError: framing drift
// cannot be repaired, so no resynchronization is attempted.
func decodeFrame(reader *bufio.Reader) (*frame, error) {
	line, err := readControlLine(reader)
	if err != nil {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(line, tokenMsg):
		return decodeMsg(reader, line[len(tokenMsg):])

	case bytes.Equal(line, tokenPing):
		return &frame{kind: framePing}, nil

	case bytes.Equal(line, tokenPong):
		return &frame{kind: framePong}, nil

	case bytes.HasPrefix(line, tokenInfo):
		body := append([]byte(nil), line[len(tokenInfo):]...)
		return &frame{kind: frameInfo, info: body}, nil

	case bytes.Equal(line, tokenOK) || bytes.HasPrefix(line, []byte("+OK ")):
		return &frame{kind: frameOK}, nil

	case bytes.Equal(line, tokenErr) || bytes.HasPrefix(line, []byte("-ERR ")):
		reason := strings.TrimSpace(string(bytes.TrimPrefix(line, tokenErr)))
		reason = strings.Trim(reason, "'")
		return &frame{kind: frameErr, errText: reason}, nil
	}

	return nil, NewError(ProtocolError, fmt.Sprintf("unknown server token in %q", line))
}

// decodeMsg parses the argument section of a MSG control line and reads the
// declared payload block plus its trailing delimiter.
func decodeMsg(reader *bufio.Reader, args []byte) (*frame, error) {
	fields := strings.Fields(string(args))

	var subject, reply, sizeField string
	var sidField string
	switch len(fields) {
	case 3:
		subject, sidField, sizeField = fields[0], fields[1], fields[2]
	case 4:
		subject, sidField, reply, sizeField = fields[0], fields[1], fields[2], fields[3]
	default:
		return nil, NewError(ProtocolError, fmt.Sprintf("MSG with %d arguments", len(fields)))
	}

	sid, err := strconv.ParseUint(sidField, 10, 64)
	if err != nil {
		return nil, NewError(ProtocolError, fmt.Sprintf("MSG sid %q is not numeric", sidField))
	}
	size, err := strconv.Atoi(sizeField)
	if err != nil || size < 0 {
		return nil, NewError(ProtocolError, fmt.Sprintf("MSG byte count %q is not numeric", sizeField))
	}

	block := make([]byte, size+len(crlf))
	if _, err := io.ReadFull(reader, block); err != nil {
		return nil, err
	}
	if !bytes.Equal(block[size:], crlf) {
		return nil, NewError(ProtocolError, "payload block does not match the declared byte count")
	}

	return &frame{kind: frameMsg, msg: &Message{
		Subject: subject,
		Reply:   reply,
		SID:     sid,
		Payload: block[:size],
	}}, nil
}
