// Package way defines the packet purpose codes carried in every header.
//
// Codes in the closed range [ReservedMin, ReservedMax] belong to the
// transport itself and are never routed to application handlers.
package way

import (
	"fmt"

	"github.com/danmuck/linkmux/internal/protocol"
)

// Way identifies what a packet is for.
type Way int32

const (
	ReservedMin Way = -32
	ReservedMax Way = 0
)

// Connection-control codes.
const (
	Default         Way = 0
	LinkClose       Way = -1
	AnswerOK        Way = -2
	AnswerError     Way = -3
	AnswerNotVerify Way = -4
	AnswerNotAccess Way = -5
	Heartbeat       Way = -6
	TokenVerify     Way = -7
	BuildLink       Way = -8
	// BodyLink carries a data-link body on the DataFile channel.
	BodyLink Way = -9
)

// Application codes.
const (
	SendData    Way = 1
	RequestData Way = 2
	ChangeData  Way = 3
	ResetData   Way = 4
)

var names = map[Way]string{
	Default:         "default",
	LinkClose:       "link_close",
	AnswerOK:        "answer_ok",
	AnswerError:     "answer_error",
	AnswerNotVerify: "answer_not_verify",
	AnswerNotAccess: "answer_not_access",
	Heartbeat:       "heartbeat",
	TokenVerify:     "token_verify",
	BuildLink:       "build_link",
	BodyLink:        "body_link",
	SendData:        "send_data",
	RequestData:     "request_data",
	ChangeData:      "change_data",
	ResetData:       "reset_data",
}

func (w Way) String() string {
	if n, ok := names[w]; ok {
		return n
	}
	if w.Reserved() {
		return fmt.Sprintf("reserved(%d)", int32(w))
	}
	return fmt.Sprintf("custom(%d)", int32(w))
}

// Label is String with unnamed codes collapsed, for bounded metric labels.
func (w Way) Label() string {
	if n, ok := names[w]; ok {
		return n
	}
	if w.Reserved() {
		return "reserved"
	}
	return "custom"
}

// Reserved reports whether w lies in the transport's control range.
func (w Way) Reserved() bool {
	return w >= ReservedMin && w <= ReservedMax
}

// IsAnswer reports whether w is one of the answer codes.
func (w Way) IsAnswer() bool {
	switch w {
	case AnswerOK, AnswerError, AnswerNotVerify, AnswerNotAccess:
		return true
	}
	return false
}

// ValidateCustom rejects w if it is not an application code.
func ValidateCustom(w Way) error {
	if w.Reserved() {
		return fmt.Errorf("%w: %s", protocol.ErrReservedWay, w)
	}
	return nil
}

// ValidateMatch rejects a predicate that accepts any reserved code.
// A nil predicate is a wildcard and therefore always rejected.
func ValidateMatch(match func(Way) bool) error {
	if match == nil {
		return fmt.Errorf("%w: wildcard way match covers control codes", protocol.ErrReservedWay)
	}
	for w := ReservedMin; w <= ReservedMax; w++ {
		if match(w) {
			return fmt.Errorf("%w: way match accepts %s", protocol.ErrReservedWay, w)
		}
	}
	return nil
}
