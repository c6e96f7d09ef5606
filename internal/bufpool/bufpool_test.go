package bufpool

import (
	"bytes"
	"sync"
	"testing"

	"github.com/danmuck/linkmux/internal/testutil/testlog"
)

func TestAcquireIsLazyAndReused(t *testing.T) {
	testlog.Start(t)
	p := New(64)
	h := p.NewHandle()
	if got := p.Stats().Pairs; got != 0 {
		t.Fatalf("pair allocated before first acquire: %d", got)
	}
	first := h.Acquire()
	first.Src[0] = 0xFF
	first.Dst[63] = 0xEE
	second := h.Acquire()
	if first != second {
		t.Fatalf("handle must reuse its pair")
	}
	if second.Src[0] != 0 || second.Dst[63] != 0 {
		t.Fatalf("acquire must clear the pair")
	}
	if len(second.Src) != 64 || len(second.Dst) != 64 {
		t.Fatalf("unexpected capacity src=%d dst=%d", len(second.Src), len(second.Dst))
	}
	st := p.Stats()
	if st.Pairs != 1 || st.Acquires != 2 || st.Handles != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	h.Release()
	if got := p.Stats().Pairs; got != 0 {
		t.Fatalf("release must drop the pair, pairs=%d", got)
	}
}

func TestNewDefaultsCapacity(t *testing.T) {
	testlog.Start(t)
	if New(0).Capacity() != Capacity {
		t.Fatalf("zero capacity must fall back to %d", Capacity)
	}
	if Default().Capacity() != Capacity {
		t.Fatalf("default pool capacity mismatch")
	}
}

func TestWorkersNeverObserveEachOthersBytes(t *testing.T) {
	testlog.Start(t)
	p := New(4096)
	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	errs := make(chan string, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			h := p.NewHandle()
			defer h.Release()
			want := bytes.Repeat([]byte{id}, 4096)
			for i := 0; i < rounds; i++ {
				bufs := h.Acquire()
				copy(bufs.Src, want)
				copy(bufs.Dst, bufs.Src)
				if !bytes.Equal(bufs.Dst, want) {
					errs <- "worker output contains foreign bytes"
					return
				}
			}
		}(byte(w + 1))
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
	if got := p.Stats().Handles; got != workers {
		t.Fatalf("expected %d handles, got %d", workers, got)
	}
}
