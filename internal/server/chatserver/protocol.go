package chatserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// Protocol limits.
const (
	// MaxFrameSize bounds one frame excluding the newline. A 64 KiB chunk
	// is about 87 KiB once base64-encoded.
	MaxFrameSize = 1 << 20

	// MaxRequestIDLength bounds the client-chosen request ID.
	MaxRequestIDLength = 64
)

// Request is a client command.
type Request struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the client-visible form of a domain error. Causes are never
// sent to clients.
type ErrorBody struct {
	Code         string `json:"code"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Details      string `json:"details,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// PushFrame is a server-initiated frame.
type PushFrame struct {
	Push string `json:"push"`
	Data any    `json:"data,omitempty"`
}

// ReadFrame reads one newline-terminated frame of at most limit bytes. The
// trailing "\n" or "\r\n" is stripped. A frame over the limit yields
// domain.ErrFrameTooLarge; the rest of it is left unread.
func ReadFrame(r *bufio.Reader, limit int) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		// Leave room for a trailing "\r\n".
		if len(frame)+len(chunk) > limit+2 {
			return nil, domain.ErrFrameTooLarge.WithDetails(fmt.Sprintf("limit %d bytes", limit))
		}
		frame = append(frame, chunk...)

		switch {
		case err == nil:
			frame = bytes.TrimSuffix(frame, []byte("\n"))
			frame = bytes.TrimSuffix(frame, []byte("\r"))
			if len(frame) > limit {
				return nil, domain.ErrFrameTooLarge.WithDetails(fmt.Sprintf("limit %d bytes", limit))
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// DecodeRequest parses a request frame.
func DecodeRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, domain.ErrProtocol.WithDetails("malformed JSON").WithCause(err)
	}
	if req.Cmd == "" {
		return nil, domain.ErrProtocol.WithDetails("missing cmd")
	}
	if len(req.ID) > MaxRequestIDLength {
		return nil, domain.ErrProtocol.WithDetails("request id too long")
	}
	return &req, nil
}

// decodeArgs unmarshals the args object into v. Missing args decode as an
// empty object.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidArgument.WithDetails(err.Error())
	}
	return nil
}

// errorBody maps err to its wire form. Foreign errors are reported as
// internal errors without their text.
func errorBody(err error) *ErrorBody {
	de := domain.AsDomainError(err)
	return &ErrorBody{
		Code:         de.Code,
		Kind:         string(de.Kind()),
		Message:      de.Message,
		Details:      de.Details,
		RetryAfterMs: de.RetryAfter.Milliseconds(),
	}
}

// closesConnection reports whether err ends the connection.
func closesConnection(err error) bool {
	return domain.KindOf(err) == domain.KindProtocol
}
