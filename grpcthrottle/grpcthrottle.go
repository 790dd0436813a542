// Package grpcthrottle admits gRPC calls through the throttles of a config.
//
// Every policy whose method matches the call is checked with the values its
// limit_by list extracts from the call as discriminators. A locked out caller
// gets codes.ResourceExhausted and a retry-after header in whole seconds.
// Store failures reject the call with codes.Unavailable unless WithFailOpen
// is set.
package grpcthrottle

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/engine"
	"github.com/toolink/throttle/notify"
	"github.com/toolink/throttle/throttle"
)

// Metadata keys read and written by the interceptors.
const (
	DeviceIDHeader   = "x-device-id"
	UserIDHeader     = "x-user-id"
	RetryAfterHeader = "retry-after"
)

// Extractor returns the value of a limit_by type for the current call, or ""
// when the call does not carry it.
type Extractor func(ctx context.Context, limitBy string) string

// DefaultExtractor takes the IP from the peer address and the device and user
// IDs from incoming metadata.
func DefaultExtractor(ctx context.Context, limitBy string) string {
	switch limitBy {
	case config.LimitByIP:
		return PeerIP(ctx)
	case config.LimitByDeviceID:
		return firstValue(ctx, DeviceIDHeader)
	case config.LimitByUserID:
		return firstValue(ctx, UserIDHeader)
	default:
		return ""
	}
}

// PeerIP returns the host part of the peer address.
func PeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func firstValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithExtractor replaces DefaultExtractor.
func WithExtractor(extract Extractor) Option {
	return func(ic *Interceptor) {
		if extract != nil {
			ic.extract = extract
		}
	}
}

// WithNotifier publishes lockout events of every throttle.
func WithNotifier(n notify.Notifier) Option {
	return func(ic *Interceptor) {
		ic.throttleOpts = append(ic.throttleOpts, throttle.WithNotifier(n))
	}
}

// WithFailOpen admits calls when the store cannot be reached.
func WithFailOpen() Option {
	return func(ic *Interceptor) {
		ic.failOpen = true
	}
}

// Interceptor holds the policies checked for every call.
type Interceptor struct {
	engine       engine.Engine
	policies     []config.Policy
	extract      Extractor
	throttleOpts []throttle.Option
	failOpen     bool
}

// New creates an Interceptor. It works on a prepared copy of policies, so
// policies built in code need no prior call to config.Policy.Prepare.
func New(e engine.Engine, policies []config.Policy, opts ...Option) (*Interceptor, error) {
	prepared := make([]config.Policy, len(policies))
	copy(prepared, policies)
	for i := range prepared {
		if err := prepared[i].Prepare(); err != nil {
			return nil, err
		}
	}
	ic := &Interceptor{
		engine:   e,
		policies: prepared,
		extract:  DefaultExtractor,
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic, nil
}

// Unary returns the unary server interceptor.
func (ic *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		setHeader := func(md metadata.MD) error { return grpc.SetHeader(ctx, md) }
		if err := ic.admit(ctx, info.FullMethod, setHeader); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor. Streams are checked once,
// when they are opened.
func (ic *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := ic.admit(ss.Context(), info.FullMethod, ss.SetHeader); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// admit checks every matching policy and returns the status error to reject
// the call with, or nil.
func (ic *Interceptor) admit(ctx context.Context, method string, setHeader func(metadata.MD) error) error {
	err := ic.check(ctx, method)
	if err == nil {
		return nil
	}

	var throttled *throttle.Throttled
	if errors.As(err, &throttled) {
		retry := strconv.FormatInt(throttled.RetrySeconds(), 10)
		if hdrErr := setHeader(metadata.Pairs(RetryAfterHeader, retry)); hdrErr != nil {
			log.Warn().Err(hdrErr).Str("method", method).Msg("failed to set retry-after header")
		}
		return status.Error(codes.ResourceExhausted, throttled.Error())
	}

	if ic.failOpen {
		log.Error().Err(err).Str("method", method).Msg("throttle check failed, admitting call")
		return nil
	}
	log.Error().Err(err).Str("method", method).Msg("throttle check failed, rejecting call")
	return status.Error(codes.Unavailable, "throttle unavailable")
}

func (ic *Interceptor) check(ctx context.Context, method string) error {
	for i := range ic.policies {
		p := &ic.policies[i]
		if !p.Matches(method) {
			continue
		}

		th, err := throttle.New(ic.engine, p.Throttle(), ic.throttleOpts...)
		if err != nil {
			return err
		}
		if !ic.discriminate(ctx, p, th) {
			continue
		}

		if _, err := th.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// discriminate adds the limit_by values of the call to th. It reports false
// when one of them is missing, which skips the policy for this call.
func (ic *Interceptor) discriminate(ctx context.Context, p *config.Policy, th *throttle.Throttle) bool {
	for _, limitBy := range p.LimitBy {
		value := ic.extract(ctx, limitBy)
		if value == "" {
			log.Debug().Str("throttle", p.Name).Str("limit_by", limitBy).Msg("identifier value missing, skipping throttle")
			return false
		}
		th.AddDiscriminator(value)
	}
	return true
}
