// Package protocol defines the wire framing and the text-level contract
// between server and client.
//
// Every message travels as one frame: [4-byte big-endian length][payload].
// The first inbound frame of a connection is a JSON credential payload;
// all later inbound frames are plain chat text. Every outbound frame is
// plain text.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize is the maximum frame payload size (64KB).
const MaxFrameSize = 65536

// TimeLayout is the human-readable timestamp used in relayed chat lines.
const TimeLayout = "2006-01-02 15:04:05"

// Server-to-client notices. These strings are a wire contract; clients
// match on them literally.
const (
	NoticeAuthSuccess         = "AUTH_SUCCESS"
	NoticeInvalidAuthFormat   = "ERROR: Invalid auth format"
	NoticeCredentialsRequired = "ERROR: Username and password required"
	NoticeWrongPassword       = "ERROR: Wrong password"
	NoticeAuthFailed          = "ERROR: Authentication failed"
)

var (
	ErrInvalidAuthFormat  = errors.New("protocol: invalid auth format")
	ErrMissingCredentials = errors.New("protocol: username and password required")
)

// AuthPayload is the credential record expected in the first frame.
// Exactly these two fields; anything else is a format error.
type AuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ParseAuthPayload decodes a first-frame credential payload.
// Returns ErrInvalidAuthFormat for anything that is not a JSON object
// with exactly the two expected fields, and ErrMissingCredentials when
// either field is empty.
func ParseAuthPayload(data []byte) (*AuthPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p AuthPayload
	if err := dec.Decode(&p); err != nil {
		return nil, ErrInvalidAuthFormat
	}
	// Trailing garbage after the object is also a format error.
	if dec.More() {
		return nil, ErrInvalidAuthFormat
	}
	if p.Username == "" || p.Password == "" {
		return nil, ErrMissingCredentials
	}
	return &p, nil
}

// JoinNotice formats the presence announcement for a user joining.
func JoinNotice(username string) string {
	return username + " has joined"
}

// LeaveNotice formats the presence announcement for a user leaving.
func LeaveNotice(username string) string {
	return username + " has left"
}

// ChatLine formats a relayed chat message.
func ChatLine(ts time.Time, username, text string) string {
	return fmt.Sprintf("%s: %s said: %s", ts.Local().Format(TimeLayout), username, text)
}

// WriteFrame writes one length-prefixed frame to a writer.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: frame too large: %d bytes", len(payload))
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload))) //nolint:gosec // length bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from a reader.
func ReadFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return payload, nil
}
