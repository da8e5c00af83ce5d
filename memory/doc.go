// Package memory reads and writes the memory of another process.
//
// Every function takes a vmem.Process, which is opened once by the caller
// and shared. Nothing in this package retries. Errors from the operating
// system are wrapped with %w, so callers can check for vmem.ErrProcessGone
// or the underlying OS error with errors.Is.
//
// Partial transfers
//
// Read, ReadInto, and ReadArray return whatever the operating system was
// able to transfer. Crossing into an unmapped or unreadable page halfway
// through a read is not an error. A read that transfers nothing is.
//
// Fixed-size operations (ReadTyped, ReadPointer, ReadArrayExact, Write,
// WriteTyped) are all or nothing and fail with ErrPartialTransfer when
// fewer bytes than requested were transferred.
//
// Writing code
//
// Write changes the protection of the target pages to read-write-execute,
// writes, restores the previous protection, and then flushes the
// instruction cache for the written range. Other threads of the target
// may execute the range while this happens. Callers that need stronger
// guarantees must suspend those threads themselves.
//
// Buffers
//
// Reads of SmallBufferSize bytes or fewer borrow a scratch buffer from a
// pool instead of allocating one per call.
package memory
