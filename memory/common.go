package memory

import (
	"errors"
	"log"
	"sync"
)

// SmallBufferSize is the largest read served from the scratch pool.
const SmallBufferSize = 256

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}

	// ErrPartialTransfer is returned by fixed-size operations when
	// fewer bytes were transferred than requested.
	ErrPartialTransfer = errors.New("partial transfer")
)

var scratchPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, SmallBufferSize)
		return &b
	},
}

// scratch returns a buffer of length size and a function that returns
// it to the pool. Buffers larger than SmallBufferSize are allocated.
func scratch(size int) ([]byte, func()) {
	if size > SmallBufferSize {
		return make([]byte, size), func() {}
	}

	ptr := scratchPool.Get().(*[]byte)

	return (*ptr)[:size], func() {
		scratchPool.Put(ptr)
	}
}
