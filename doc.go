// Package hookkit provides functionality for reading, scanning, and
// patching the memory of another process, and for placing inline hooks
// in its code.
//
// APIs are separated into subpackages, and documented accordingly.
// The hook package is the main entry point.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package hookkit
