package at

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors returned by Channel operations: success is the absence
// of an error. Besides these, a command that times out or is cancelled
// returns its context's error, and a failed write returns the transport's
// own error.
var (
	// ErrClosed indicates the channel is closed, or closed while an
	// operation was in progress.
	ErrClosed = errors.New("at: channel closed")

	// ErrCommandPending indicates a command is already outstanding on
	// this channel; at most one may be pending at a time.
	ErrCommandPending = errors.New("at: command already pending")

	// ErrInvalidThread indicates an operation was invoked from the
	// reader goroutine itself (i.e. from within a user callback).
	// Attempting the channel mutex from that goroutine would deadlock,
	// so the call is refused instead.
	ErrInvalidThread = errors.New("at: called from reader goroutine")

	// ErrInvalidResponse indicates a command that requires an
	// intermediate response (numeric, single-line, SMS) completed
	// successfully but with no intermediate line.
	ErrInvalidResponse = errors.New("at: malformed response")

	// ErrInvalidArgument indicates a required argument was missing or
	// out of range.
	ErrInvalidArgument = errors.New("at: invalid argument")

	// ErrInvalidOperation indicates an operation that cannot be
	// performed in the channel's current state (e.g. closing an
	// already-closed channel).
	ErrInvalidOperation = errors.New("at: invalid operation")

	// ErrIndicationExists indicates AddIndication was called twice for
	// the same prefix.
	ErrIndicationExists = errors.New("at: indication already registered")
)

// CMEErrorCode is the numeric code carried by a "+CME ERROR: n" final
// response, as extracted by GetCMEError.
type CMEErrorCode int

// NonCME is returned by GetCMEError when the response did not fail with a
// CME error: it succeeded, had no CME prefix, or the code could not be
// parsed.
const NonCME CMEErrorCode = -1

// Some well-known CME error codes from 3GPP TS 27.007 annex G.
const (
	CMESIMNotInserted CMEErrorCode = 10
)

// GetCMEError extracts the numeric code from a response whose final
// response begins with "+CME ERROR:". It returns NonCME if rsp is nil,
// succeeded, carries no CME prefix, or the code could not be parsed as an
// integer.
func GetCMEError(rsp *Response) CMEErrorCode {
	if rsp == nil || rsp.Success {
		return NonCME
	}
	const prefix = "+CME ERROR:"
	if !strings.HasPrefix(rsp.Final, prefix) {
		return NonCME
	}
	tok := strings.TrimSpace(strings.TrimPrefix(rsp.Final, prefix))
	// stop at the first non-digit, in case trailing tokens follow
	end := 0
	for end < len(tok) && (tok[end] >= '0' && tok[end] <= '9' || (end == 0 && tok[end] == '-')) {
		end++
	}
	if end == 0 {
		return NonCME
	}
	n, err := strconv.Atoi(tok[:end])
	if err != nil {
		return NonCME
	}
	return CMEErrorCode(n)
}
