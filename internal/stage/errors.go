package stage

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a stage failure
type Kind string

const (
	KindNetwork  Kind = "network"
	KindInternal Kind = "internal"
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
)

var errInvalidFrameSize = errors.New("encoder frame size must be positive")

// Error is a failed call to a downstream stage
type Error struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err as a stage Error. An err that already is one is
// returned unchanged; nil stays nil.
func Classify(stageName string, err error) error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return err
	}

	return &Error{Stage: stageName, Kind: kindOf(err), Err: err}
}

// IsStage reports whether err is a failure of the named stage
func IsStage(err error, stageName string) bool {
	var se *Error
	return errors.As(err, &se) && se.Stage == stageName
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return KindTimeout
		case codes.Canceled:
			return KindCanceled
		case codes.Unavailable:
			return KindNetwork
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindInternal
}
