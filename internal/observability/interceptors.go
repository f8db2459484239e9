// Package observability provides gRPC client interceptors and the metrics
// HTTP server.
package observability

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"live-transcription-client/internal/observability/metrics"
)

// UnaryClientInterceptor returns a gRPC unary client interceptor for metrics and logging.
func UnaryClientInterceptor(m *metrics.Metrics) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		st, _ := status.FromError(err)
		m.RecordRecognizerStream(method, st.Code().String())

		log.Debug().
			Str("method", method).
			Str("code", st.Code().String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")

		return err
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor. The
// stream's final status is recorded when the caller observes its end.
func StreamClientInterceptor(m *metrics.Metrics) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			st, _ := status.FromError(err)
			m.RecordRecognizerStream(method, st.Code().String())
			log.Warn().
				Str("method", method).
				Str("code", st.Code().String()).
				Msg("gRPC stream open failed")
			return nil, err
		}

		return &observedStream{ClientStream: cs, method: method, start: start, metrics: m}, nil
	}
}

type observedStream struct {
	grpc.ClientStream
	method  string
	start   time.Time
	metrics *metrics.Metrics
	ended   bool
}

// RecvMsg records the stream outcome the first time a receive fails.
func (s *observedStream) RecvMsg(msg interface{}) error {
	err := s.ClientStream.RecvMsg(msg)
	if err != nil && !s.ended {
		s.ended = true
		code := "OK"
		if !errors.Is(err, io.EOF) {
			st, _ := status.FromError(err)
			code = st.Code().String()
		}
		s.metrics.RecordRecognizerStream(s.method, code)

		log.Info().
			Str("method", s.method).
			Str("code", code).
			Dur("duration", time.Since(s.start)).
			Msg("gRPC stream completed")
	}
	return err
}
