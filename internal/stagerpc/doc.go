// Package stagerpc carries the Denoise, Language-ID and Recognize stage
// contracts over gRPC. Messages are the plain Go types of package stage
// encoded with a registered JSON codec, so no generated code is involved:
// service and stream descriptors are declared by hand.
package stagerpc
