// Package secret holds sensitive bytes (private keys) outside the Go heap.
//
// A Buffer is backed by an anonymous mmap region that the garbage collector
// never sees, so the runtime cannot copy or relocate it. The region is locked
// into RAM where the platform allows it, excluded from core dumps on Linux,
// and zeroed before it is unmapped.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by WithBytes after Close has zeroed the buffer.
var ErrClosed = errors.New("secret: buffer is closed")

// Buffer holds secret material in memory that is zeroed on Close.
// A Buffer must not be copied after creation.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// New allocates a zero-filled secret buffer of the given size.
// The caller must call Close when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	// mlock is best-effort: unprivileged containers often run with a tiny
	// RLIMIT_MEMLOCK. The buffer is still off-heap and zeroed on Close.
	locked := unix.Mlock(data) == nil

	if err := excludeFromCoreDump(data); err != nil {
		if locked {
			_ = unix.Munlock(data)
		}

		_ = unix.Munmap(data)

		return nil, fmt.Errorf("secret: excluding from core dumps: %w", err)
	}

	return &Buffer{
		data:   data,
		length: size,
		locked: locked,
	}, nil
}

// NewFromBytes copies source into a new secret buffer and zeroes source in
// place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: cannot create buffer from empty source")
	}

	b, err := New(len(source))
	if err != nil {
		return nil, err
	}

	copy(b.data, source)
	Zero(source)

	return b, nil
}

// WithBytes calls fn with the secret contents. The slice points directly into
// the protected region and must not be retained after fn returns.
func (b *Buffer) WithBytes(fn func(data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	return fn(b.data[:b.length])
}

// Len returns the size of the secret data, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	return b.length
}

// Locked reports whether the region is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.locked && !b.closed
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Close zeroes the contents, then unlocks and unmaps the region.
// Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	Zero(b.data)

	var firstErr error

	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstErr = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}

	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap failed: %w", err)
	}

	b.data = nil

	return firstErr
}

// Zero overwrites every byte of p with zero.
func Zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
