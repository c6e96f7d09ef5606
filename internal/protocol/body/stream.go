package body

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
	"github.com/danmuck/linkmux/internal/protocol/frame"
)

// chunkSize is the largest plaintext chunk bufs can stage for c. The chunk
// header and ciphertext share Dst so each chunk leaves in a single write.
func chunkSize(c crypt.Cipher, bufs *bufpool.Buffers) int {
	return min(len(bufs.Src), crypt.MaxPlain(c, len(bufs.Dst)-frame.ChunkHeaderLen))
}

// Stream seals exactly size bytes of src onto w. src is normally what the
// body's Open returned.
func Stream(c crypt.Cipher, w io.Writer, src io.Reader, size int64, bufs *bufpool.Buffers, progress Progress) error {
	chunk := chunkSize(c, bufs)
	if chunk <= 0 {
		return crypt.ErrShortBuffer
	}
	var done int64
	for done < size {
		n := int(min(int64(chunk), size-done))
		if _, err := io.ReadFull(src, bufs.Src[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: source ended at %d of %d bytes", protocol.ErrSizeMismatch, done, size)
			}
			return fmt.Errorf("%w: %v", protocol.ErrBodySource, err)
		}
		m, err := c.Seal(bufs.Dst[frame.ChunkHeaderLen:], bufs.Src[:n])
		if err != nil {
			return err
		}
		frame.PutChunkHeader(bufs.Dst, frame.ChunkHeader{PlainLen: uint32(n), CipherLen: uint32(m)})
		if _, err := w.Write(bufs.Dst[:frame.ChunkHeaderLen+m]); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrWriteBreak, err)
		}
		done += int64(n)
		if progress != nil {
			progress(done, size)
		}
	}
	return nil
}

// readChunks opens exactly size plaintext bytes from r into dst.
//
// A cipher or sink failure does not stop the loop: the remaining chunks are
// still consumed (and still opened, so the chaining state stays aligned) and
// the first failure is returned once the body has been drained. Short reads
// are breaks and return immediately, and so is a chunk header that does not
// fit the declared size: its ciphertext cannot be placed, so the next header
// cannot be found.
func readChunks(c crypt.Cipher, r io.Reader, dst io.Writer, size int64, bufs *bufpool.Buffers, progress Progress) error {
	var done int64
	var failure error
	for done < size {
		ch, err := frame.ReadChunkHeader(r)
		if err != nil {
			return readBreak(err, done, size)
		}
		if ch.PlainLen == 0 || int64(ch.PlainLen) > size-done {
			return fmt.Errorf("%w: %w: chunk of %d bytes with %d remaining", protocol.ErrReadBreak, protocol.ErrSizeMismatch, ch.PlainLen, size-done)
		}
		if int(ch.CipherLen) > len(bufs.Src) {
			if failure == nil {
				failure = fmt.Errorf("%w: chunk ciphertext %d exceeds staging %d", crypt.ErrShortBuffer, ch.CipherLen, len(bufs.Src))
			}
			if _, err := io.CopyN(io.Discard, r, int64(ch.CipherLen)); err != nil {
				return readBreak(err, done, size)
			}
			done += int64(ch.PlainLen)
			continue
		}
		if _, err := io.ReadFull(r, bufs.Src[:ch.CipherLen]); err != nil {
			return readBreak(err, done, size)
		}
		n, err := c.Open(bufs.Dst, bufs.Src[:ch.CipherLen])
		switch {
		case err != nil:
			if failure == nil {
				failure = err
			}
		case n != int(ch.PlainLen):
			if failure == nil {
				failure = fmt.Errorf("%w: chunk opened to %d bytes, declared %d", protocol.ErrSizeMismatch, n, ch.PlainLen)
			}
		case failure == nil:
			if _, err := dst.Write(bufs.Dst[:n]); err != nil {
				failure = fmt.Errorf("%w: %v", protocol.ErrBodySource, err)
			}
		}
		done += int64(ch.PlainLen)
		if progress != nil {
			progress(done, size)
		}
	}
	return failure
}

// Discard consumes a body of size bytes without keeping it. Chunks are still
// opened so c stays aligned with the sender.
func Discard(c crypt.Cipher, r io.Reader, size int64, bufs *bufpool.Buffers) error {
	return readChunks(c, r, io.Discard, size, bufs, nil)
}

func readBreak(err error, done, size int64) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: body truncated at %d of %d bytes", protocol.ErrReadBreak, done, size)
	}
	return fmt.Errorf("%w: %v", protocol.ErrReadBreak, err)
}
