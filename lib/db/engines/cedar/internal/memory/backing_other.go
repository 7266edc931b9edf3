//go:build !unix

package memory

import "unsafe"

type anonBacking struct{}

func newAnonBacking() Backing { return anonBacking{} }

// MapExtent allocates word-aligned heap memory in place of an anonymous mapping.
func (anonBacking) MapExtent(_, size int64) ([]byte, error) {
	w := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), size), nil
}

func (anonBacking) Grow(int64) error   { return nil }
func (anonBacking) Sync([]byte) error  { return nil }
func (anonBacking) Unmap([]byte) error { return nil }
func (anonBacking) Close() error       { return nil }
func (anonBacking) Lock() error        { return nil }
func (anonBacking) Unlock() error      { return nil }
func (anonBacking) Share() error       { return nil }

func (anonBacking) TryExclusive() (bool, error) { return true, nil }

func openFileBacking(string) (Backing, int64, error) {
	return nil, 0, ErrUnsupported
}
