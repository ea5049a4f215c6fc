package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpremote/internal/jsonrpc"
)

// fakeTransport scripts Send outcomes for strategy tests.
type fakeTransport struct {
	kind     Kind
	replies  []fakeOutcome
	sends    int
	connects int
	incoming chan *jsonrpc.Message
	alive    bool
}

type fakeOutcome struct {
	reply *jsonrpc.Message
	err   error
}

func newFakeTransport(kind Kind, outcomes ...fakeOutcome) *fakeTransport {
	return &fakeTransport{kind: kind, replies: outcomes, incoming: make(chan *jsonrpc.Message, 8)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connects++; f.alive = true; return nil }
func (f *fakeTransport) Alive() bool                       { return f.alive }
func (f *fakeTransport) Close() error                      { f.alive = false; return nil }
func (f *fakeTransport) Kind() Kind                        { return f.kind }
func (f *fakeTransport) SessionID() string                 { return "" }
func (f *fakeTransport) Incoming() <-chan *jsonrpc.Message { return f.incoming }

func (f *fakeTransport) Send(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	f.sends++
	if len(f.replies) == 0 {
		return nil, &Error{Class: ClassRetryable, Endpoint: "fake", Err: errors.New("no script")}
	}
	out := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return out.reply, out.err
}

func fastConfig() Config {
	return Config{
		Primary:        KindHTTP,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
	}
}

func req(id string) *jsonrpc.Message {
	return jsonrpc.NewRequest(json.RawMessage(id), "ping", nil)
}

func ok(id string) fakeOutcome {
	return fakeOutcome{reply: jsonrpc.NewResult(json.RawMessage(id), nil)}
}

func retryable() fakeOutcome {
	return fakeOutcome{err: &Error{Class: ClassRetryable, Endpoint: "fake", Err: errors.New("connection refused")}}
}

func TestStrategyFallsBackAfterRetryExhaustion(t *testing.T) {
	primary := newFakeTransport(KindHTTP, retryable())
	fallback := newFakeTransport(KindSSE, ok("7"))

	s := newStrategyWith(fastConfig(), primary, fallback)
	defer s.Close()

	reply, err := s.Do(context.Background(), req("7"))
	require.NoError(t, err)
	assert.Equal(t, "7", reply.CorrelationKey())
	assert.Equal(t, 3, primary.sends, "primary retried up to the attempt budget")
	assert.Equal(t, 1, fallback.sends)
}

func TestStrategyStickyAfterSuccess(t *testing.T) {
	primary := newFakeTransport(KindHTTP, retryable())
	fallback := newFakeTransport(KindSSE, ok("1"))

	s := newStrategyWith(fastConfig(), primary, fallback)
	defer s.Close()

	_, err := s.Do(context.Background(), req("1"))
	require.NoError(t, err)

	primarySends := primary.sends

	// Second request goes straight to the sticky fallback.
	_, err = s.Do(context.Background(), req("2"))
	require.NoError(t, err)
	assert.Equal(t, primarySends, primary.sends, "primary not tried again")
	assert.Equal(t, 2, fallback.sends)
}

func TestStrategyNonRetryableStopsImmediately(t *testing.T) {
	primary := newFakeTransport(KindHTTP,
		fakeOutcome{err: &Error{Class: ClassNonRetryable, Status: 404, Endpoint: "fake"}})
	fallback := newFakeTransport(KindSSE, ok("1"))

	s := newStrategyWith(fastConfig(), primary, fallback)
	defer s.Close()

	_, err := s.Do(context.Background(), req("1"))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 404, te.Status)
	assert.Equal(t, 1, primary.sends, "no retries on 4xx")
	assert.Equal(t, 0, fallback.sends, "no fallback on 4xx")
}

func TestStrategyExhaustion(t *testing.T) {
	primary := newFakeTransport(KindHTTP, retryable())
	fallback := newFakeTransport(KindSSE, retryable())

	s := newStrategyWith(fastConfig(), primary, fallback)
	defer s.Close()

	_, err := s.Do(context.Background(), req("1"))
	require.ErrorIs(t, err, ErrExhausted)
}

func TestStrategyAuthenticatesOnceAndReplays(t *testing.T) {
	primary := newFakeTransport(KindHTTP,
		fakeOutcome{err: &AuthRequiredError{Endpoint: "fake", WWWAuthenticate: `Bearer realm="https://idp"`}},
		ok("1"),
	)

	authCalls := 0
	s := newStrategyWith(fastConfig(), primary)
	defer s.Close()
	s.SetAuthenticator(func(ctx context.Context, challenge *AuthRequiredError) error {
		authCalls++
		assert.Contains(t, challenge.WWWAuthenticate, "idp")
		return nil
	})

	reply, err := s.Do(context.Background(), req("1"))
	require.NoError(t, err)
	assert.Equal(t, "1", reply.CorrelationKey())
	assert.Equal(t, 1, authCalls)
	assert.Equal(t, 2, primary.sends, "401 then authenticated replay")
}

func TestStrategySecond401IsNotRetried(t *testing.T) {
	primary := newFakeTransport(KindHTTP,
		fakeOutcome{err: &AuthRequiredError{Endpoint: "fake"}},
		ok("1"),
		fakeOutcome{err: &AuthRequiredError{Endpoint: "fake"}},
	)

	authCalls := 0
	s := newStrategyWith(fastConfig(), primary)
	defer s.Close()
	s.SetAuthenticator(func(ctx context.Context, challenge *AuthRequiredError) error {
		authCalls++
		return nil
	})

	_, err := s.Do(context.Background(), req("1"))
	require.NoError(t, err)

	_, err = s.Do(context.Background(), req("2"))
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, authCalls, "auth ran exactly once for the session")
}

func TestStrategyMergesIncoming(t *testing.T) {
	primary := newFakeTransport(KindHTTP)
	s := newStrategyWith(fastConfig(), primary)
	defer s.Close()

	note := jsonrpc.NewNotification("notifications/progress", nil)
	primary.incoming <- note

	select {
	case m := <-s.Incoming():
		assert.Equal(t, "notifications/progress", m.Method)
	case <-time.After(time.Second):
		t.Fatal("incoming message not merged")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Primary: KindHTTP, Fallbacks: []Kind{KindHTTP}}
	assert.Error(t, cfg.Validate())

	cfg = Config{Primary: KindHTTP, Fallbacks: []Kind{KindSSE, KindTCP}}
	assert.NoError(t, cfg.Validate())

	cfg = Config{Primary: KindHTTP, RetryJitter: 1.0}
	assert.Error(t, cfg.Validate())
}
