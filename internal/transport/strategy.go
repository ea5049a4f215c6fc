package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mcpremote/internal/jsonrpc"
)

// Default strategy tuning, matching the documented CLI defaults.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = time.Second
)

// ErrExhausted means every configured transport failed for a request.
var ErrExhausted = errors.New("transport: all transports exhausted")

// AuthFunc performs (re)authentication after a 401. The strategy invokes
// it at most once per session and replays the request on success.
type AuthFunc func(ctx context.Context, challenge *AuthRequiredError) error

// Config tunes the strategy.
type Config struct {
	// Primary is tried first.
	Primary Kind

	// Fallbacks are tried in order after the primary exhausts its
	// retries. Must be disjoint from Primary.
	Fallbacks []Kind

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// RetryAttempts bounds tries per transport before advancing.
	RetryAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per retry.
	RetryBaseDelay time.Duration

	// RetryJitter in [0, 1) randomizes the delay.
	RetryJitter float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Primary == "" {
		out.Primary = KindHTTP
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = DefaultRetryAttempts
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return out
}

// Validate rejects overlapping primary/fallback lists.
func (c *Config) Validate() error {
	seen := map[Kind]bool{c.Primary: true}
	for _, k := range c.Fallbacks {
		if seen[k] {
			return fmt.Errorf("transport %q listed more than once", k)
		}
		seen[k] = true
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1)")
	}
	return nil
}

// Strategy walks the configured transports for each request, applying
// per-transport retries with exponential backoff and advancing to the next
// transport on exhaustion. The first transport to carry a request becomes
// sticky for the session.
type Strategy struct {
	cfg        Config
	transports []Transport

	mu        sync.Mutex
	sticky    Transport
	authDone  bool
	authFn    AuthFunc

	incoming  chan *jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStrategy builds the transports in [primary, fallbacks...] order and
// merges their inbound streams.
func NewStrategy(cfg Config, opts Options) (*Strategy, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kinds := append([]Kind{cfg.Primary}, cfg.Fallbacks...)
	s := &Strategy{
		cfg:      cfg,
		incoming: make(chan *jsonrpc.Message, 64),
		closed:   make(chan struct{}),
	}
	for _, k := range kinds {
		tr, err := New(k, opts)
		if err != nil {
			return nil, fmt.Errorf("building %s transport: %w", k, err)
		}
		s.transports = append(s.transports, tr)
		go s.merge(tr)
	}
	return s, nil
}

// newStrategyWith is the test seam: inject prebuilt transports.
func newStrategyWith(cfg Config, transports ...Transport) *Strategy {
	cfg = cfg.withDefaults()
	s := &Strategy{
		cfg:      cfg,
		incoming: make(chan *jsonrpc.Message, 64),
		closed:   make(chan struct{}),
	}
	s.transports = transports
	for _, tr := range transports {
		go s.merge(tr)
	}
	return s
}

func (s *Strategy) merge(tr Transport) {
	for {
		select {
		case m, ok := <-tr.Incoming():
			if !ok {
				return
			}
			select {
			case s.incoming <- m:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Incoming yields responses and notifications arriving outside a Do call,
// merged across all transports.
func (s *Strategy) Incoming() <-chan *jsonrpc.Message { return s.incoming }

// SetAuthenticator installs the OAuth hook invoked on 401.
func (s *Strategy) SetAuthenticator(fn AuthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFn = fn
}

// SessionID returns the sticky transport's session id, if any.
func (s *Strategy) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sticky != nil {
		return s.sticky.SessionID()
	}
	return ""
}

// Close tears down every transport.
func (s *Strategy) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, tr := range s.transports {
			tr.Close()
		}
	})
	return nil
}

// Do carries one message to the remote. A nil reply with nil error means
// the message was accepted and any response arrives via Incoming.
func (s *Strategy) Do(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	for _, tr := range s.candidates() {
		reply, err := s.attempt(ctx, tr, msg)
		if err == nil {
			s.markSticky(tr)
			return reply, nil
		}

		var authErr *AuthRequiredError
		if errors.As(err, &authErr) {
			reply, err = s.handleAuth(ctx, tr, msg, authErr)
			if err == nil {
				s.markSticky(tr)
				return reply, nil
			}
			return nil, err
		}

		var te *Error
		if errors.As(err, &te) && !te.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, Classify(endpointOf(tr), ctx.Err())
		}

		slog.Debug("Transport exhausted, advancing",
			"transport", tr.Kind(), "error", err)
	}
	return nil, fmt.Errorf("%w for %s", ErrExhausted, s.describe())
}

// candidates returns the sticky transport when set, otherwise the full
// fallback order.
func (s *Strategy) candidates() []Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sticky != nil {
		return []Transport{s.sticky}
	}
	return s.transports
}

func (s *Strategy) markSticky(tr Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sticky != tr {
		s.sticky = tr
		slog.Debug("Transport is now sticky for this session", "transport", tr.Kind())
	}
}

// attempt runs connect+send on one transport under the retry policy.
// Non-retryable and auth failures abort the backoff immediately.
func (s *Strategy) attempt(ctx context.Context, tr Transport, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = s.cfg.RetryJitter
	bo.MaxInterval = 30 * time.Second

	operation := func() (*jsonrpc.Message, error) {
		reply, err := s.try(ctx, tr, msg)
		if err == nil {
			return reply, nil
		}

		var authErr *AuthRequiredError
		if errors.As(err, &authErr) {
			return nil, backoff.Permanent(err)
		}
		var te *Error
		if errors.As(err, &te) {
			if !te.Retryable() {
				return nil, backoff.Permanent(err)
			}
			if te.RetryAfter > 0 {
				return nil, &backoff.RetryAfterError{Duration: te.RetryAfter}
			}
			return nil, err
		}
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.cfg.RetryAttempts)),
	)
}

// try performs a single connect-if-needed plus send.
func (s *Strategy) try(ctx context.Context, tr Transport, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if !tr.Alive() {
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := tr.Connect(connectCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return tr.Send(sendCtx, msg)
}

// handleAuth runs the OAuth hook once per session, then replays the
// request on the same transport without counting against the retry budget.
func (s *Strategy) handleAuth(ctx context.Context, tr Transport, msg *jsonrpc.Message, challenge *AuthRequiredError) (*jsonrpc.Message, error) {
	s.mu.Lock()
	fn := s.authFn
	done := s.authDone
	if fn != nil && !done {
		s.authDone = true
	}
	s.mu.Unlock()

	if fn == nil || done {
		return nil, challenge
	}

	slog.Info("Remote requires authentication", "endpoint", challenge.Endpoint)
	if err := fn(ctx, challenge); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return s.try(ctx, tr, msg)
}

func (s *Strategy) describe() string {
	if len(s.transports) == 0 {
		return "no transports"
	}
	return endpointOf(s.transports[0])
}

func endpointOf(tr Transport) string {
	type endpointer interface{ Endpoint() string }
	if e, ok := tr.(endpointer); ok {
		return e.Endpoint()
	}
	return string(tr.Kind())
}
