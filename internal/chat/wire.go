// Package chat maintains the room chat connection: a websocket carrying
// length-delimited binary frames that wrap batches of room messages. The
// package parses those frames with the low-level protobuf wire walker, so no
// generated bindings are needed, and normalizes every message into an
// event.Chat.
package chat

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded top-level protobuf field.
type field struct {
	num protowire.Number
	typ protowire.Type

	// bytes is set for length-delimited fields, varint for varint fields.
	bytes  []byte
	varint uint64
}

// walk iterates the top-level fields of a wire-format message, calling
// visit for each. Unknown wire types are skipped.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("chat: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("chat: malformed varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := visit(field{num: num, typ: typ, varint: v}); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("chat: malformed bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := visit(field{num: num, typ: typ, bytes: v}); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("chat: malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// pushFrame is the outer envelope of every websocket frame.
//
// Wire layout: seqId=1, logId=2, service=3, method=4, headers=5 (repeated
// key=1/value=2 pairs), payloadEncoding=6, payloadType=7, payload=8.
type pushFrame struct {
	seqID       uint64
	logID       uint64
	payloadType string
	payload     []byte
	headers     map[string]string
}

// gzipped reports whether the frame payload is gzip-compressed.
func (f pushFrame) gzipped() bool {
	return f.headers["compress_type"] == "gzip"
}

func decodePushFrame(b []byte) (pushFrame, error) {
	f := pushFrame{headers: make(map[string]string)}
	err := walk(b, func(fl field) error {
		switch fl.num {
		case 1:
			f.seqID = fl.varint
		case 2:
			f.logID = fl.varint
		case 5:
			k, v, err := decodeHeader(fl.bytes)
			if err != nil {
				return err
			}
			f.headers[k] = v
		case 7:
			f.payloadType = string(fl.bytes)
		case 8:
			f.payload = fl.bytes
		}
		return nil
	})
	if err != nil {
		return pushFrame{}, fmt.Errorf("chat: decode push frame: %w", err)
	}
	return f, nil
}

// decodeHeader parses one key=1/value=2 header pair.
func decodeHeader(b []byte) (key, value string, err error) {
	err = walk(b, func(fl field) error {
		switch fl.num {
		case 1:
			key = string(fl.bytes)
		case 2:
			value = string(fl.bytes)
		}
		return nil
	})
	return key, value, err
}

// response is the batch of room messages carried by a "msg" frame.
//
// Wire layout: messages=1 (repeated), cursor=2, internalExt=5, needAck=9.
type response struct {
	messages    []wireMessage
	cursor      string
	internalExt string
	needAck     bool
}

// wireMessage is one room message inside a response.
//
// Wire layout: method=1, payload=2, msgId=3, msgType=4.
type wireMessage struct {
	method  string
	payload []byte
	msgID   uint64
}

func decodeResponse(b []byte) (response, error) {
	var r response
	err := walk(b, func(fl field) error {
		switch fl.num {
		case 1:
			msg, err := decodeMessage(fl.bytes)
			if err != nil {
				return err
			}
			r.messages = append(r.messages, msg)
		case 2:
			r.cursor = string(fl.bytes)
		case 5:
			r.internalExt = string(fl.bytes)
		case 9:
			r.needAck = fl.varint != 0
		}
		return nil
	})
	if err != nil {
		return response{}, fmt.Errorf("chat: decode response: %w", err)
	}
	return r, nil
}

func decodeMessage(b []byte) (wireMessage, error) {
	var m wireMessage
	err := walk(b, func(fl field) error {
		switch fl.num {
		case 1:
			m.method = string(fl.bytes)
		case 2:
			m.payload = fl.bytes
		case 3:
			m.msgID = fl.varint
		}
		return nil
	})
	return m, err
}

// inflate returns the frame payload, transparently decompressing gzip.
func inflate(f pushFrame) ([]byte, error) {
	if !f.gzipped() {
		return f.payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(f.payload))
	if err != nil {
		return nil, fmt.Errorf("chat: open gzip payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("chat: inflate payload: %w", err)
	}
	return out, nil
}

// encodeHeartbeat builds the periodic client heartbeat frame.
func encodeHeartbeat() []byte {
	b := protowire.AppendTag(nil, 7, protowire.BytesType)
	b = protowire.AppendString(b, "hb")
	return b
}

// encodeAck builds the acknowledgement frame the server requests via
// needAck, echoing the frame's logId and internal extension.
func encodeAck(logID uint64, internalExt string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, logID)
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendString(b, "ack")
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(internalExt))
	return b
}
