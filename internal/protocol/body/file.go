package body

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/linkmux/internal/bufpool"
	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/crypt"
)

// File is disk-backed content. On the sending side Path names the file to
// stream; on the receiving side the bytes land in a new file under Dir and
// Path is set once the transfer completes.
type File struct {
	Path string
	Dir  string
	// BaseLink keeps the bytes on the header's channel instead of DataFile.
	BaseLink bool

	size int64
}

// OpenFile declares path for sending, fixing its size now.
func OpenFile(path string) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBodySource, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", protocol.ErrBodySource, path)
	}
	return &File{Path: path, size: fi.Size()}, nil
}

func (f *File) Kind() Kind             { return KindFile }
func (f *File) Size() int64            { return f.size }
func (f *File) BaseLinkTransfer() bool { return f.BaseLink }
func (f *File) NewInstance() DataBody  { return &File{Dir: f.Dir, BaseLink: f.BaseLink} }
func (f *File) variant()               {}

func (f *File) Read(c crypt.Cipher, r io.Reader, size int64, bufs *bufpool.Buffers, progress Progress) error {
	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	out, err := os.CreateTemp(dir, "linkmux-*.part")
	if err != nil {
		// Still consume the body so the channel stays framed.
		if derr := readChunks(c, r, io.Discard, size, bufs, progress); derr != nil {
			return derr
		}
		return fmt.Errorf("%w: %v", protocol.ErrBodySource, err)
	}
	rerr := readChunks(c, r, out, size, bufs, progress)
	cerr := out.Close()
	if rerr == nil && cerr != nil {
		rerr = fmt.Errorf("%w: %v", protocol.ErrBodySource, cerr)
	}
	if rerr != nil {
		_ = os.Remove(out.Name())
		return rerr
	}
	f.Path = out.Name()
	f.size = size
	return nil
}

// Open fails if the file is gone or no longer has the size declared by
// OpenFile.
func (f *File) Open() (io.ReadCloser, error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBodySource, err)
	}
	fi, err := in.Stat()
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("%w: %v", protocol.ErrBodySource, err)
	}
	if fi.Size() != f.size {
		_ = in.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, declared %d", protocol.ErrBodySource, f.Path, fi.Size(), f.size)
	}
	return in, nil
}
