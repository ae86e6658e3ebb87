package inbound

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// InjectVersion is the current InjectRequest wire protocol version.
const InjectVersion = 1

// InjectRequest is the JSON envelope read by `listd inject --envelope` on
// the first line of its input (terminated by '\n'), followed by the raw
// RFC 5322 message until EOF.
type InjectRequest struct {
	Version      int    `json:"version"`
	Recipient    string `json:"recipient"`
	Sender       string `json:"sender,omitempty"`
	Queue        string `json:"queue,omitempty"`
	ReceivedTime string `json:"received_time,omitempty"` // RFC3339
}

// Received returns the parsed arrival time, or fallback when the request
// carries none or it does not parse.
func (r *InjectRequest) Received(fallback time.Time) time.Time {
	if r.ReceivedTime == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, r.ReceivedTime)
	if err != nil {
		return fallback
	}
	return t
}

// ReadInjectRequest reads the envelope line from r. The message follows
// in r.
func ReadInjectRequest(r *bufio.Reader) (*InjectRequest, error) {
	line, err := r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	var req InjectRequest
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\r\n")), &req); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if req.Version != InjectVersion {
		return nil, fmt.Errorf("unsupported envelope version %d (want %d)", req.Version, InjectVersion)
	}
	if req.Recipient == "" {
		return nil, errors.New("no recipient in envelope")
	}
	return &req, nil
}
