package baresip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxFrame bounds a single ctrl_tcp message.
const maxFrame = 1 << 20

// ErrFrameTooLarge is returned when a peer announces a frame over maxFrame.
var ErrFrameTooLarge = errors.New("netstring frame too large")

// NetstringEncoder writes netstring frames: <length>:<data>,
type NetstringEncoder struct {
	w io.Writer
}

func NewNetstringEncoder(w io.Writer) *NetstringEncoder {
	return &NetstringEncoder{w: w}
}

// Encode writes data as one frame with a single Write call.
func (e *NetstringEncoder) Encode(data []byte) error {
	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := e.w.Write(frame)
	return err
}

// NetstringDecoder reads netstring frames from a stream. Malformed input is
// skipped one byte at a time until a valid frame starts.
type NetstringDecoder struct {
	r      io.Reader
	buffer []byte
	chunk  []byte
}

func NewNetstringDecoder(r io.Reader) *NetstringDecoder {
	return &NetstringDecoder{r: r, chunk: make([]byte, 4096)}
}

// Decode returns the payload of the next frame.
func (d *NetstringDecoder) Decode() ([]byte, error) {
	for {
		payload, consumed, err := parseFrame(d.buffer)
		if err != nil {
			return nil, err
		}
		if consumed > 0 {
			d.buffer = d.buffer[consumed:]
			if payload != nil {
				return payload, nil
			}
			continue
		}

		n, err := d.r.Read(d.chunk)
		d.buffer = append(d.buffer, d.chunk[:n]...)
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				continue
			}
			return nil, err
		}
	}
}

// parseFrame inspects buf. It returns the payload and bytes consumed for a
// complete frame, consumed > 0 with a nil payload when leading garbage was
// dropped, and consumed == 0 when more data is needed.
func parseFrame(buf []byte) ([]byte, int, error) {
	colon := bytes.IndexByte(buf, ':')
	if colon == -1 {
		if len(buf) > 0 && !isDigits(buf) {
			return nil, 1, nil
		}
		if len(buf) > 10 {
			return nil, 0, fmt.Errorf("%w: header without colon", ErrFrameTooLarge)
		}
		return nil, 0, nil
	}

	length, err := strconv.Atoi(string(buf[:colon]))
	if err != nil || length < 0 {
		return nil, 1, nil
	}
	if length > maxFrame {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	total := colon + 1 + length + 1
	if len(buf) < total {
		return nil, 0, nil
	}
	if buf[total-1] != ',' {
		return nil, 1, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[colon+1:colon+1+length])
	return payload, total, nil
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
