package link

// Hooks receive session-level disruption events. Nil fields are skipped.
// Hooks run on transport goroutines and must not block or send on the
// session that fired them.
type Hooks struct {
	// ServerClose fires once when the session is closed. initiative is true
	// when the peer sent LinkClose and false for a local Close.
	ServerClose func(initiative bool)
	// ReadBreak fires when a channel read fails or its heartbeat is lost.
	ReadBreak func()
	// WriteBreak fires when a channel write fails.
	WriteBreak func()
	// Reconnection fires once at the end of every reconnection cycle.
	Reconnection func(succeeded bool)
}

func (h *Hooks) serverClose(initiative bool) {
	if h != nil && h.ServerClose != nil {
		h.ServerClose(initiative)
	}
}

func (h *Hooks) readBreak() {
	if h != nil && h.ReadBreak != nil {
		h.ReadBreak()
	}
}

func (h *Hooks) writeBreak() {
	if h != nil && h.WriteBreak != nil {
		h.WriteBreak()
	}
}

func (h *Hooks) reconnection(succeeded bool) {
	if h != nil && h.Reconnection != nil {
		h.Reconnection(succeeded)
	}
}
