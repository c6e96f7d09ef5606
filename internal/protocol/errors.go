package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer of the transport. Callers classify
// failures with errors.Is or the Is* helpers below.
var (
	// ErrFraming marks a malformed header or chunk; only the current packet is lost.
	ErrFraming = errors.New("protocol: framing error")
	// ErrSizeMismatch is a framing error where transferred bytes differ from the declared size.
	ErrSizeMismatch = fmt.Errorf("%w: body size mismatch", ErrFraming)
	// ErrCipher marks a body-transfer failure caused by ciphertext the channel cipher rejects.
	ErrCipher = errors.New("protocol: cipher error")
	// ErrBodySource marks a local body backing store that could not be read or written.
	ErrBodySource = errors.New("protocol: body source error")

	ErrReadBreak  = errors.New("protocol: read break")
	ErrWriteBreak = errors.New("protocol: write break")

	ErrChannelBroken = errors.New("protocol: channel broken")
	ErrReconnecting  = errors.New("protocol: session reconnecting")
	ErrSessionFailed = errors.New("protocol: session failed")
	ErrSessionClosed = errors.New("protocol: session closed")
	ErrTaskTimeout   = errors.New("protocol: task timeout")
	ErrReservedWay   = errors.New("protocol: reserved way code")
)

// IsBreak reports whether err is a connection-level break.
func IsBreak(err error) bool {
	return errors.Is(err, ErrReadBreak) || errors.Is(err, ErrWriteBreak) || errors.Is(err, ErrChannelBroken)
}

func IsCipher(err error) bool {
	return errors.Is(err, ErrCipher)
}

func IsFraming(err error) bool {
	return errors.Is(err, ErrFraming)
}
