package lifecycle

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects lifecycle events in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeTransport struct {
	rec         *recorder
	serving     chan struct{}
	stop        chan struct{}
	serveErr    error
	shutdownErr error
}

func newFakeTransport(rec *recorder) *fakeTransport {
	return &fakeTransport{rec: rec, serving: make(chan struct{}), stop: make(chan struct{})}
}

func (t *fakeTransport) Serve(ln net.Listener) error {
	t.rec.add("transport.serve")
	close(t.serving)
	if t.serveErr != nil {
		ln.Close()
		return t.serveErr
	}
	<-t.stop
	return ln.Close()
}

func (t *fakeTransport) Shutdown(ctx context.Context) error {
	t.rec.add("transport.shutdown")
	close(t.stop)
	return t.shutdownErr
}

type fakeScheduler struct {
	rec     *recorder
	initErr error
}

func (s *fakeScheduler) Init(ctx context.Context) error {
	s.rec.add("scheduler.init")
	return s.initErr
}

func (s *fakeScheduler) Stop() { s.rec.add("scheduler.stop") }

func closer(rec *recorder, name string, err error) Closer {
	return Closer{Name: name, Close: func(ctx context.Context) error {
		rec.add(name + ".close")
		return err
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	return cfg
}

// withSignal replaces signal registration with a channel the test controls.
func withSignal(c *Coordinator) chan<- os.Signal {
	relay := make(chan os.Signal, 1)
	c.notify = func(ch chan<- os.Signal, _ ...os.Signal) {
		go func() {
			if sig, ok := <-relay; ok {
				ch <- sig
			}
		}()
	}
	return relay
}

func runAsync(c *Coordinator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun_SignalShutdownOrder(t *testing.T) {
	rec := &recorder{}
	tr := newFakeTransport(rec)
	c := New(testConfig(), tr, &fakeScheduler{rec: rec}, zerolog.Nop(),
		closer(rec, "nats", nil),
		closer(rec, "redis", nil),
		closer(rec, "store", nil),
	)
	sig := withSignal(c)

	done := runAsync(c)
	<-c.Ready()
	<-tr.serving
	require.NotNil(t, c.Addr())

	sig <- syscall.SIGTERM
	require.NoError(t, wait(t, done))

	events := rec.list()
	assert.Equal(t, []string{
		"scheduler.stop",
		"transport.shutdown",
		"nats.close",
		"redis.close",
		"store.close",
	}, events[len(events)-5:])
	assert.Contains(t, events[:len(events)-5], "scheduler.init")
}

func TestRun_ContextCancelShutsDown(t *testing.T) {
	rec := &recorder{}
	tr := newFakeTransport(rec)
	c := New(testConfig(), tr, &fakeScheduler{rec: rec}, zerolog.Nop(), closer(rec, "store", nil))
	withSignal(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-tr.serving

	cancel()
	require.NoError(t, wait(t, done))
	assert.Contains(t, rec.list(), "store.close")
}

func TestRun_BindFailureIsStartupError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	rec := &recorder{}
	cfg := testConfig()
	cfg.ListenAddr = occupied.Addr().String()
	c := New(cfg, newFakeTransport(rec), &fakeScheduler{rec: rec}, zerolog.Nop(),
		closer(rec, "nats", nil), closer(rec, "redis", errors.New("boom")), closer(rec, "store", nil))

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
	assert.Equal(t, []string{"nats.close", "redis.close", "store.close"}, rec.list(),
		"only the already-open resources are released when the bind fails")
	select {
	case <-c.Ready():
		t.Fatal("Ready closed without a listener")
	default:
	}
}

func TestRun_SchedulerInitFailureIsNotFatal(t *testing.T) {
	rec := &recorder{}
	tr := newFakeTransport(rec)
	c := New(testConfig(), tr, &fakeScheduler{rec: rec, initErr: errors.New("boom")}, zerolog.Nop())
	sig := withSignal(c)

	done := runAsync(c)
	<-tr.serving

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	sig <- syscall.SIGINT
	require.NoError(t, wait(t, done))
	assert.Contains(t, rec.list(), "scheduler.stop")
}

func TestRun_TransportFailureStillShutsDown(t *testing.T) {
	rec := &recorder{}
	tr := newFakeTransport(rec)
	tr.serveErr = errors.New("accept failed")
	c := New(testConfig(), tr, &fakeScheduler{rec: rec}, zerolog.Nop(), closer(rec, "store", nil))
	withSignal(c)

	err := wait(t, runAsync(c))
	require.Error(t, err)
	assert.False(t, IsStartupError(err))
	assert.Contains(t, rec.list(), "store.close")
}

func TestRun_CloserErrorsDoNotStopSequence(t *testing.T) {
	rec := &recorder{}
	tr := newFakeTransport(rec)
	tr.shutdownErr = context.DeadlineExceeded
	c := New(testConfig(), tr, &fakeScheduler{rec: rec}, zerolog.Nop(),
		closer(rec, "nats", errors.New("nats gone")),
		closer(rec, "store", nil),
	)
	sig := withSignal(c)

	done := runAsync(c)
	<-tr.serving
	sig <- syscall.SIGTERM
	require.NoError(t, wait(t, done))

	events := rec.list()
	assert.Equal(t, []string{"nats.close", "store.close"}, events[len(events)-2:])
}

func TestStartupError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&StartupError{Op: "open store", Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "open store")
	assert.True(t, IsStartupError(errors.Join(errors.New("wrapped"), err)))
	assert.False(t, IsStartupError(cause))
}
