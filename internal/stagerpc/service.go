package stagerpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/skypro1111/vad-orchestrator/internal/stage"
)

// Full method names
const (
	MethodDenoise   = "/vadorch.stage.Denoise/Clean"
	MethodDetect    = "/vadorch.stage.LanguageID/Detect"
	MethodRecognize = "/vadorch.stage.Recognize/Stream"
)

// recognizeRequest is one client message on a recognition stream. The first
// message carries Start, the rest carry Packet.
type recognizeRequest struct {
	Start  *stage.RecognizeStart  `json:"start,omitempty"`
	Packet *stage.RecognizePacket `json:"packet,omitempty"`
}

// RecognizeHandler serves one recognition stream. recv returns io.EOF once
// the client has signalled end of input.
type RecognizeHandler interface {
	Recognize(ctx context.Context, start stage.RecognizeStart, recv func() (stage.RecognizePacket, error)) (stage.RecognizeResult, error)
}

var recognizeStreamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ClientStreams: true,
	ServerStreams: true,
}

// RegisterDenoise registers a Denoise implementation on s
func RegisterDenoise(s grpc.ServiceRegistrar, impl stage.Denoiser) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "vadorch.stage.Denoise",
		HandlerType: (*stage.Denoiser)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Clean",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				var in stage.Audio
				if err := dec(&in); err != nil {
					return nil, err
				}
				out, err := srv.(stage.Denoiser).Clean(ctx, in)
				if err != nil {
					return nil, toStatus(err)
				}
				return &out, nil
			},
		}},
	}, impl)
}

// RegisterLanguageID registers a Language-ID implementation on s
func RegisterLanguageID(s grpc.ServiceRegistrar, impl stage.LanguageIdentifier) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "vadorch.stage.LanguageID",
		HandlerType: (*stage.LanguageIdentifier)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				var in stage.Audio
				if err := dec(&in); err != nil {
					return nil, err
				}
				out, err := srv.(stage.LanguageIdentifier).Detect(ctx, in)
				if err != nil {
					return nil, toStatus(err)
				}
				return &out, nil
			},
		}},
	}, impl)
}

// RegisterRecognize registers a Recognize implementation on s
func RegisterRecognize(s grpc.ServiceRegistrar, impl RecognizeHandler) {
	desc := recognizeStreamDesc
	desc.Handler = func(srv any, ss grpc.ServerStream) error {
		var first recognizeRequest
		if err := ss.RecvMsg(&first); err != nil {
			return err
		}
		if first.Start == nil {
			return status.Error(codes.InvalidArgument, "first message must carry start")
		}

		recv := func() (stage.RecognizePacket, error) {
			for {
				var req recognizeRequest
				if err := ss.RecvMsg(&req); err != nil {
					return stage.RecognizePacket{}, err
				}
				if req.Packet != nil {
					return *req.Packet, nil
				}
			}
		}

		res, err := srv.(RecognizeHandler).Recognize(ss.Context(), *first.Start, recv)
		if err != nil {
			return toStatus(err)
		}
		return ss.SendMsg(&res)
	}

	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "vadorch.stage.Recognize",
		HandlerType: (*RecognizeHandler)(nil),
		Streams:     []grpc.StreamDesc{desc},
	}, impl)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, io.ErrUnexpectedEOF):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
