// filestore.go - Chunked writes of uploaded parts into date scoped directories.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultChunkSize is the block size used for both upload writes and
// download reads unless configured otherwise.
const DefaultChunkSize = 64 << 10

// ChunkReader yields a byte stream in bounded chunks. An empty chunk with a
// nil error marks the end of the stream. The returned slice is only valid
// until the next call.
type ChunkReader interface {
	ReadChunk() ([]byte, error)
}

type chunkReader struct {
	r    io.Reader
	buf  []byte
	done bool
}

// NewChunkReader splits r into chunks of exactly size bytes; only the last
// chunk may be shorter.
func NewChunkReader(r io.Reader, size int) ChunkReader {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &chunkReader{r: r, buf: make([]byte, size)}
}

func (c *chunkReader) ReadChunk() ([]byte, error) {
	if c.done {
		return nil, nil
	}
	// Only a clean io.EOF ends the stream; a source's own
	// io.ErrUnexpectedEOF (truncated multipart body) is an error.
	n := 0
	for n < len(c.buf) {
		m, err := c.r.Read(c.buf[n:])
		n += m
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if n == 0 {
		return nil, nil
	}
	return c.buf[:n], nil
}

// StoredFile describes bytes that were fully written and synced.
type StoredFile struct {
	Path string
	Size int64
}

// destFile is the part of *os.File a write needs.
type destFile interface {
	io.Writer
	Sync() error
	Close() error
}

// FileStore writes uploads under root/<YYMMDD>/<filename>.
type FileStore struct {
	root   string
	now    func() time.Time
	create func(path string) (destFile, error)
}

// createExclusive fails with fs.ErrExist when path is already taken.
func createExclusive(path string) (destFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
}

// NewFileStore resolves root to an absolute path and creates it.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload root %s: %w", abs, err)
	}
	return &FileStore{root: abs, now: time.Now, create: createExclusive}, nil
}

func (s *FileStore) Root() string { return s.root }

// Dir returns the upload directory for the current day.
func (s *FileStore) Dir() string {
	return filepath.Join(s.root, s.now().Format("060102"))
}

// Write streams src into a new file named filename in today's directory.
//
// An existing destination yields *DuplicateFileError and is left untouched.
// Destination I/O failures yield *StorageWriteError and leave whatever was
// written on disk. Failures reading src (including ctx cancellation) wrap
// ErrUploadInterrupted and remove the partial file.
func (s *FileStore) Write(ctx context.Context, filename string, src ChunkReader) (StoredFile, error) {
	if err := ValidateFilename(filename); err != nil {
		return StoredFile{}, err
	}

	dir := s.Dir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return StoredFile{}, &StorageWriteError{Op: "mkdir", Path: dir, Err: err}
	}

	dst := filepath.Join(dir, filename)
	f, err := s.create(dst)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return StoredFile{}, &DuplicateFileError{Filename: filename}
		}
		return StoredFile{}, &StorageWriteError{Op: "open", Path: dst, Err: err}
	}

	abort := func(cause error) (StoredFile, error) {
		_ = f.Close()
		_ = os.Remove(dst)
		return StoredFile{}, fmt.Errorf("%w: %w", ErrUploadInterrupted, cause)
	}

	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		chunk, err := src.ReadChunk()
		if err != nil {
			return abort(err)
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := f.Write(chunk); err != nil {
			_ = f.Close()
			return StoredFile{}, &StorageWriteError{Op: "write", Path: dst, Err: err}
		}
		size += int64(len(chunk))
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return StoredFile{}, &StorageWriteError{Op: "sync", Path: dst, Err: err}
	}
	if err := f.Close(); err != nil {
		return StoredFile{}, &StorageWriteError{Op: "close", Path: dst, Err: err}
	}

	return StoredFile{Path: dst, Size: size}, nil
}
