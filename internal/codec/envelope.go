// Package codec implements Spider's wire framing (§6.3): every message,
// whether it crosses a TCP socket (scheduler<->worker) or a pipe
// (supervisor<->child task executor), is a msgpack-encoded two-element
// array [type_tag, body]. The two transports differ only in how the
// encoded bytes are delimited on the stream, mirrored here the same way
// hashicorp/nomad frames its RPC codec over go-msgpack.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mh = &codec.MsgpackHandle{}

// Envelope is the 2-element [type_tag, body] array every message is framed
// as. Body is left as raw msgpack bytes (codec.Raw) so a reader can inspect
// Tag before committing to a concrete body type.
type Envelope struct {
	Tag  string
	Body codec.Raw
}

type wireEnvelope struct {
	_struct bool `codec:",toarray"` //nolint:unused // drives array encoding
	Tag     string
	Body    codec.Raw
}

// Marshal encodes tag and body (any msgpack-able value) as a single
// [type_tag, body] array.
func Marshal(tag string, body interface{}) ([]byte, error) {
	var bodyBuf []byte
	if err := codec.NewEncoderBytes(&bodyBuf, mh).Encode(body); err != nil {
		return nil, fmt.Errorf("codec: encode body for tag %q: %w", tag, err)
	}
	var out []byte
	env := wireEnvelope{Tag: tag, Body: bodyBuf}
	if err := codec.NewEncoderBytes(&out, mh).Encode(env); err != nil {
		return nil, fmt.Errorf("codec: encode envelope for tag %q: %w", tag, err)
	}
	return out, nil
}

// Unmarshal decodes a raw [type_tag, body] array into an Envelope. Callers
// then decode Body into the concrete type implied by Tag.
func Unmarshal(data []byte) (Envelope, error) {
	var env wireEnvelope
	if err := codec.NewDecoderBytes(data, mh).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("codec: decode envelope: %w", err)
	}
	return Envelope{Tag: env.Tag, Body: env.Body}, nil
}

// DecodeBody decodes an Envelope's raw body into out.
func DecodeBody(body codec.Raw, out interface{}) error {
	if err := codec.NewDecoderBytes(body, mh).Decode(out); err != nil {
		return fmt.Errorf("codec: decode body: %w", err)
	}
	return nil
}

// extBinType is the msgpack ext type tag Spider uses to wrap a full
// envelope when it travels over a TCP connection (§6.3): the envelope
// bytes are embedded as the payload of an ext(type=extBinType, BIN) value,
// which lets a peer distinguish a framed Spider message from any other
// msgpack traffic sharing the same socket without a length prefix, since
// the msgpack decoder itself delimits the ext value.
const extBinType = 0x01

// WriteTCP writes tag/body to w as an ext-wrapped envelope.
func WriteTCP(w io.Writer, tag string, body interface{}) error {
	envBytes, err := Marshal(tag, body)
	if err != nil {
		return err
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, mh)
	if err := enc.Encode(codec.Raw(extWrap(envBytes))); err != nil {
		return fmt.Errorf("codec: encode tcp ext frame: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("codec: write tcp frame: %w", err)
	}
	return nil
}

// extWrap hand-assembles a msgpack ext8/16/32 header around payload,
// choosing the narrowest header that fits, matching how go-msgpack encodes
// ext values it is handed directly as already-serialized bytes.
func extWrap(payload []byte) []byte {
	n := len(payload)
	var header []byte
	switch {
	case n <= 0xff:
		header = []byte{0xc7, byte(n), extBinType}
	case n <= 0xffff:
		header = make([]byte, 4)
		header[0] = 0xc8
		binary.BigEndian.PutUint16(header[1:3], uint16(n))
		header[3] = extBinType
	default:
		header = make([]byte, 6)
		header[0] = 0xc9
		binary.BigEndian.PutUint32(header[1:5], uint32(n))
		header[5] = extBinType
	}
	return append(header, payload...)
}

// ReadTCP reads one ext-wrapped envelope from r, blocking until it is
// fully available.
func ReadTCP(r *bufio.Reader) (Envelope, error) {
	first, err := r.Peek(1)
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: peek tcp frame: %w", err)
	}
	var headerLen, bodyLen int
	switch first[0] {
	case 0xc7:
		headerLen = 3
	case 0xc8:
		headerLen = 4
	case 0xc9:
		headerLen = 6
	default:
		return Envelope{}, fmt.Errorf("codec: unrecognized tcp frame marker 0x%x", first[0])
	}
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Envelope{}, fmt.Errorf("codec: read tcp frame header: %w", err)
	}
	switch first[0] {
	case 0xc7:
		bodyLen = int(hdr[1])
	case 0xc8:
		bodyLen = int(binary.BigEndian.Uint16(hdr[1:3]))
	case 0xc9:
		bodyLen = int(binary.BigEndian.Uint32(hdr[1:5]))
	}
	payload := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("codec: read tcp frame payload: %w", err)
	}
	return Unmarshal(payload)
}

// pipeLengthWidth is the width, in ASCII decimal digits, of the length
// prefix on every pipe message between the task-executor supervisor and
// its child process (§6.3).
const pipeLengthWidth = 16

// WritePipe writes tag/body to w framed as a 16-byte ASCII decimal length
// prefix followed by the msgpack-encoded envelope.
func WritePipe(w io.Writer, tag string, body interface{}) error {
	payload, err := Marshal(tag, body)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("%0*d", pipeLengthWidth, len(payload))
	if _, err := io.WriteString(w, prefix); err != nil {
		return fmt.Errorf("codec: write pipe length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("codec: write pipe payload: %w", err)
	}
	return nil
}

// ReadPipe reads one length-prefixed envelope from r, blocking until it is
// fully available, or returning io.EOF if the peer closed the pipe cleanly
// between messages.
func ReadPipe(r io.Reader) (Envelope, error) {
	prefix := make([]byte, pipeLengthWidth)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, err
	}
	n, err := strconv.Atoi(string(prefix))
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: malformed pipe length prefix %q: %w", prefix, err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("codec: read pipe payload: %w", err)
	}
	return Unmarshal(payload)
}
