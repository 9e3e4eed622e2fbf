package detect

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire codecs understood by ProcessDetector
const (
	CodecJSON    = "json"    // one JSON document per line, image base64-encoded
	CodecMsgpack = "msgpack" // 4-byte big-endian length prefix + MessagePack body
)

// maxMessageSize bounds a single length-prefixed message
const maxMessageSize = 64 << 20

type request struct {
	Seq    uint64 `json:"seq" msgpack:"seq"`
	Width  int    `json:"width" msgpack:"width"`
	Height int    `json:"height" msgpack:"height"`
	Image  []byte `json:"image" msgpack:"image"` // JPEG
}

type response struct {
	Seq        uint64      `json:"seq" msgpack:"seq"`
	Detections []wireBox   `json:"detections" msgpack:"detections"`
	Error      string      `json:"error,omitempty" msgpack:"error,omitempty"`
	Timing     *wireTiming `json:"timing,omitempty" msgpack:"timing,omitempty"`
}

type wireBox struct {
	Label      string     `json:"label" msgpack:"label"`
	Confidence float64    `json:"confidence" msgpack:"confidence"`
	BBox       [4]float64 `json:"bbox" msgpack:"bbox"` // x1, y1, x2, y2
}

type wireTiming struct {
	InferenceMs float64 `json:"inference_ms" msgpack:"inference_ms"`
}

type codec interface {
	write(w io.Writer, v any) error
	read(r *bufio.Reader, v any) error
}

func newCodec(name string) (codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown detector codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) write(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func (jsonCodec) read(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return json.Unmarshal(line, v)
}

type msgpackCodec struct{}

func (msgpackCodec) write(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	// Length prefix and body go out in one write so a reader never sees half a frame header.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

func (msgpackCodec) read(r *bufio.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return msgpack.Unmarshal(body, v)
}
