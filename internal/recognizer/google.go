package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"distressguard/internal/transcribe"
)

type GoogleConfig struct {
	CredentialsFile string
	SampleRateHz    int
	ChunkBytes      int
}

// Google streams LINEAR16 audio to Cloud Speech-to-Text. The provider closes
// every stream after a few minutes, which the engine treats as a natural end
// and restarts.
type Google struct {
	cfg    GoogleConfig
	audio  io.Reader
	logger *slog.Logger
	client *speech.Client
	open   func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

	once      sync.Once
	chunks    chan []byte
	exhausted atomic.Bool
}

func NewGoogle(ctx context.Context, cfg GoogleConfig, audio io.Reader, logger *slog.Logger) (*Google, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	g := newGoogle(cfg, audio, logger)
	g.client = client
	g.open = func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return client.StreamingRecognize(ctx)
	}
	return g, nil
}

func newGoogle(cfg GoogleConfig, audio io.Reader, logger *slog.Logger) *Google {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 3200
	}
	if audio == nil {
		audio = os.Stdin
	}
	return &Google{cfg: cfg, audio: audio, logger: logger}
}

func (g *Google) Available() bool { return g.open != nil }

func (g *Google) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// pump reads audio for the life of the process. Chunks are handed to the
// current stream, so a restart does not lose the reader position.
func (g *Google) pump() {
	g.chunks = make(chan []byte, 16)
	go func() {
		defer func() {
			g.exhausted.Store(true)
			close(g.chunks)
		}()
		for {
			buf := make([]byte, g.cfg.ChunkBytes)
			n, err := io.ReadFull(g.audio, buf)
			if n > 0 {
				g.chunks <- buf[:n]
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && g.logger != nil {
					g.logger.Warn("audio source read error", "err", err)
				}
				return
			}
		}
	}()
}

func (g *Google) Start(ctx context.Context, opts transcribe.Options, cb transcribe.Callback) (transcribe.Session, error) {
	if g.open == nil {
		return nil, transcribe.ErrUnsupportedCapability
	}
	g.once.Do(g.pump)
	if g.exhausted.Load() && len(g.chunks) == 0 {
		return nil, transcribe.ErrSourceExhausted
	}

	sess, sctx := newSession(ctx)
	stream, err := g.open(sctx)
	if err != nil {
		sess.cancel()
		return nil, mapGRPCError(err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(g.cfg.SampleRateHz),
					LanguageCode:    opts.Language,
				},
				InterimResults: opts.InterimResults,
			},
		},
	})
	if err != nil {
		sess.cancel()
		return nil, mapGRPCError(err)
	}

	go g.send(sctx, stream)
	go func() {
		defer sess.end(cb)
		g.listen(sctx, stream, cb)
	}()
	return sess, nil
}

func (g *Google) send(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient) {
	defer func() { _ = stream.CloseSend() }()
	for {
		select {
		case chunk, ok := <-g.chunks:
			if !ok {
				return
			}
			err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
			})
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Google) listen(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, cb transcribe.Callback) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if status.Code(err) == codes.OutOfRange {
				// Stream duration limit reached.
				return
			}
			cb.OnError(mapGRPCError(err))
			return
		}
		if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
			cb.OnError(mapGRPCError(status.ErrorProto(resp.Error)))
			return
		}
		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			cb.OnResult(r.Alternatives[0].Transcript, r.IsFinal)
		}
	}
}

func mapGRPCError(err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %v", transcribe.ErrPermissionDenied, err)
	case codes.Unimplemented:
		return fmt.Errorf("%w: %v", transcribe.ErrUnsupportedCapability, err)
	}
	return err
}
