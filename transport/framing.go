package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxFrameSize guards against a corrupt or hostile peer claiming an
// unbounded length prefix.
const maxFrameSize = 256 << 20

// WriteJSON writes v as a length-prefixed JSON control message: a
// 4-byte big-endian length followed by the encoded bytes.
func WriteJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

// ReadJSON reads one length-prefixed JSON control message into v.
func ReadJSON(r io.Reader, v interface{}) error {
	b, err := readFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// WriteBlock writes a length-prefixed binary payload block.
func WriteBlock(w io.Writer, b []byte) error { return writeFrame(w, b) }

// ReadBlock reads one length-prefixed binary payload block.
func ReadBlock(r io.Reader) ([]byte, error) { return readFrame(r) }

func writeFrame(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
