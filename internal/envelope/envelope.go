package envelope

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/infodancer/listd/internal/email"
)

// CurrentVersion is the metadata format written by this code.
const CurrentVersion = 3

// ErrVersion is returned when a file was written by a newer format.
var ErrVersion = errors.New("envelope: unsupported metadata version")

// Envelope is one unit of queued work.
type Envelope struct {
	Message *email.Message
	Meta    Metadata
}

// New returns an envelope with empty metadata when meta is nil.
func New(msg *email.Message, meta Metadata) *Envelope {
	if meta == nil {
		meta = Metadata{}
	}
	return &Envelope{Message: msg, Meta: meta}
}

// Encode serializes a flattened message and its metadata: a 4-byte
// big-endian message length, the message, then the JSON metadata.
func Encode(msg []byte, meta Metadata) ([]byte, error) {
	js, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	out := make([]byte, 4, 4+len(msg)+len(js))
	binary.BigEndian.PutUint32(out, uint32(len(msg)))
	out = append(out, msg...)
	return append(out, js...), nil
}

// Decode splits the output of Encode. Metadata written by a newer format
// version yields ErrVersion.
func Decode(b []byte) ([]byte, Metadata, error) {
	if len(b) < 4 {
		return nil, nil, errors.New("envelope: truncated header")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, fmt.Errorf("envelope: message length %d exceeds file size", n)
	}
	msg := b[4 : 4+n]

	meta := Metadata{}
	if err := json.Unmarshal(b[4+n:], &meta); err != nil {
		return nil, nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if v := meta.Int(KeyVersion); v > CurrentVersion {
		return msg, meta, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return msg, meta, nil
}
