package stagerpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/skypro1111/vad-orchestrator/internal/stage"
)

// DefaultTimeout bounds a unary stage call
const DefaultTimeout = 10 * time.Second

// Dial opens a client connection to a stage server. The connection is lazy;
// failures surface on the first call.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return conn, nil
}

// DenoiseClient calls a remote Denoise stage
type DenoiseClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewDenoiseClient creates a Denoise client on conn
func NewDenoiseClient(conn grpc.ClientConnInterface, timeout time.Duration) *DenoiseClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DenoiseClient{conn: conn, timeout: timeout}
}

// Clean sends audio to the Denoise stage
func (c *DenoiseClient) Clean(ctx context.Context, in stage.Audio) (stage.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out stage.Audio
	if err := c.conn.Invoke(ctx, MethodDenoise, &in, &out, grpc.CallContentSubtype(CodecName)); err != nil {
		return stage.Audio{}, stage.Classify(stage.NameDenoise, err)
	}
	if out.SampleRate == 0 {
		out.SampleRate = in.SampleRate
	}
	return out, nil
}

// LanguageIDClient calls a remote Language-ID stage
type LanguageIDClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewLanguageIDClient creates a Language-ID client on conn
func NewLanguageIDClient(conn grpc.ClientConnInterface, timeout time.Duration) *LanguageIDClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LanguageIDClient{conn: conn, timeout: timeout}
}

// Detect asks the Language-ID stage for the language of in
func (c *LanguageIDClient) Detect(ctx context.Context, in stage.Audio) (stage.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out stage.Detection
	if err := c.conn.Invoke(ctx, MethodDetect, &in, &out, grpc.CallContentSubtype(CodecName)); err != nil {
		return stage.Detection{}, stage.Classify(stage.NameLID, err)
	}
	return out, nil
}

// RecognizeClient opens recognition streams on a remote Recognize stage
type RecognizeClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecognizeClient creates a Recognize client. timeout bounds a whole
// stream from Open to CloseAndRecv.
func NewRecognizeClient(conn grpc.ClientConnInterface, timeout time.Duration, logger *slog.Logger) *RecognizeClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RecognizeClient{conn: conn, timeout: timeout, logger: logger}
}

// Open starts a stream and sends the start envelope
func (c *RecognizeClient) Open(ctx context.Context, start stage.RecognizeStart) (stage.RecognizeStream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	cs, err := c.conn.NewStream(ctx, &recognizeStreamDesc, MethodRecognize, grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel()
		return nil, stage.Classify(stage.NameRecognize, err)
	}

	if err := cs.SendMsg(&recognizeRequest{Start: &start}); err != nil {
		err = streamError(cs, err)
		cancel()
		return nil, stage.Classify(stage.NameRecognize, err)
	}

	c.logger.Debug("Recognition stream opened",
		slog.String("flow_id", start.FlowID),
		slog.String("codec", start.Codec),
		slog.String("language", start.Language))

	return &recognizeStream{cs: cs, cancel: cancel}, nil
}

type recognizeStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
	once   sync.Once
}

func (s *recognizeStream) Send(pkt stage.RecognizePacket) error {
	if err := s.cs.SendMsg(&recognizeRequest{Packet: &pkt}); err != nil {
		return stage.Classify(stage.NameRecognize, streamError(s.cs, err))
	}
	return nil
}

// streamError replaces the io.EOF returned by SendMsg on a stream the server
// already ended with the stream's real status
func streamError(cs grpc.ClientStream, err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	var discard stage.RecognizeResult
	if rerr := cs.RecvMsg(&discard); rerr != nil && !errors.Is(rerr, io.EOF) {
		return rerr
	}
	return err
}

func (s *recognizeStream) CloseAndRecv() (stage.RecognizeResult, error) {
	if err := s.cs.CloseSend(); err != nil {
		return stage.RecognizeResult{}, stage.Classify(stage.NameRecognize, err)
	}

	var res stage.RecognizeResult
	if err := s.cs.RecvMsg(&res); err != nil {
		return stage.RecognizeResult{}, stage.Classify(stage.NameRecognize, err)
	}
	return res, nil
}

func (s *recognizeStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}
