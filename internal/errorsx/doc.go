// Package errorsx attaches client-facing reason codes to errors. The code
// travels with the error through wrapping and ends up in the "code" field of
// an error event.
package errorsx
