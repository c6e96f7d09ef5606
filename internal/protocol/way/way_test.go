package way

import (
	"errors"
	"testing"

	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/testutil/testlog"
)

func TestReservedRangeIsClosed(t *testing.T) {
	testlog.Start(t)
	for _, w := range []Way{Default, LinkClose, AnswerOK, AnswerError, AnswerNotVerify, AnswerNotAccess, Heartbeat, TokenVerify, BuildLink, BodyLink, ReservedMin} {
		if !w.Reserved() {
			t.Fatalf("%s expected reserved", w)
		}
	}
	for _, w := range []Way{SendData, RequestData, ChangeData, ResetData, ReservedMin - 1, 100} {
		if w.Reserved() {
			t.Fatalf("%s expected application code", w)
		}
	}
}

func TestValidateCustomRejectsControlCodes(t *testing.T) {
	testlog.Start(t)
	if err := ValidateCustom(Heartbeat); !errors.Is(err, protocol.ErrReservedWay) {
		t.Fatalf("expected ErrReservedWay, got %v", err)
	}
	if err := ValidateCustom(Way(42)); err != nil {
		t.Fatalf("custom code rejected: %v", err)
	}
}

func TestValidateMatch(t *testing.T) {
	testlog.Start(t)
	if err := ValidateMatch(nil); !errors.Is(err, protocol.ErrReservedWay) {
		t.Fatalf("wildcard must be rejected, got %v", err)
	}
	if err := ValidateMatch(func(w Way) bool { return w <= SendData }); !errors.Is(err, protocol.ErrReservedWay) {
		t.Fatalf("range covering control codes must be rejected, got %v", err)
	}
	if err := ValidateMatch(func(w Way) bool { return w == SendData || w == RequestData }); err != nil {
		t.Fatalf("application match rejected: %v", err)
	}
}

func TestStringNames(t *testing.T) {
	testlog.Start(t)
	if SendData.String() != "send_data" {
		t.Fatalf("unexpected name %q", SendData.String())
	}
	if Way(-20).String() != "reserved(-20)" {
		t.Fatalf("unexpected name %q", Way(-20).String())
	}
	if Way(77).String() != "custom(77)" {
		t.Fatalf("unexpected name %q", Way(77).String())
	}
}
