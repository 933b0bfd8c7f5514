package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcell/agentcell/internal/common/config"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/sandbox/cmdwrap"
	"github.com/agentcell/agentcell/internal/sandbox/hostcmd"
	"github.com/agentcell/agentcell/internal/sandbox/ports"
	"github.com/agentcell/agentcell/internal/sandbox/provision"
	"github.com/agentcell/agentcell/internal/session/runtime"
	"github.com/agentcell/agentcell/internal/session/store"
)

// fakeClient is a scriptable runtime.Client.
type fakeClient struct {
	opts runtime.Options

	mu           sync.Mutex
	connected    bool
	disconnected bool
	killed       bool

	connectErr error
	queryFn    func(ctx context.Context, message string, emit runtime.EmitFunc) (string, error)
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Query(ctx context.Context, message string, emit runtime.EmitFunc) (string, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, message, emit)
	}
	return "token-" + message, nil
}

func (f *fakeClient) Cancel(ctx context.Context) error { return nil }

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}

// fakeFactory records the clients it creates, in order.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	next    func(opts runtime.Options) *fakeClient
}

func (f *fakeFactory) build(opts runtime.Options) runtime.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	var c *fakeClient
	if f.next != nil {
		c = f.next(opts)
	} else {
		c = &fakeClient{}
	}
	c.opts = opts
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) created() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.clients...)
}

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return "", nil
}

var _ hostcmd.Runner = nopRunner{}

func testRegistry(t *testing.T, factory *fakeFactory) (*Registry, store.TokenStore) {
	t.Helper()

	cfg := &config.Config{
		Sandbox: config.SandboxConfig{
			Enabled:         false,
			UserPrefix:      "agent_",
			WorkspaceBase:   "/tmp/agentcell-test",
			PortPoolFloor:   20001,
			PortPoolCeiling: 40000,
			PortBlockSize:   10,
		},
		Runtime: config.RuntimeConfig{Command: "agent-cli", Args: []string{"--stdio"}},
	}

	log := logger.Default()
	alloc := ports.NewAllocator(ports.NewMemoryStore(), 20001, 40000, 10, nil, log)
	prov := provision.NewProvisioner(cfg.Sandbox, nopRunner{}, alloc, nil, log)
	tokens := store.NewMemoryStore()
	checker := cmdwrap.NewChecker(false, "", 0, nil, log)

	reg := NewRegistry(cfg, prov, tokens, checker, factory.build, nil, log)
	return reg, tokens
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	s1, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)
	s2, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Len(t, factory.created(), 1)
	assert.Equal(t, 1, reg.Count())
}

func TestGetOrCreateRejectsTenantMismatch(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)

	_, err = reg.GetOrCreate(ctx, "s1", "other", "a1", "")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
}

func TestGetOrCreateUsesStoredResumeToken(t *testing.T) {
	factory := &fakeFactory{}
	reg, tokens := testRegistry(t, factory)
	ctx := context.Background()

	require.NoError(t, tokens.Set(ctx, "s1", "acme", "resume-abc"))

	_, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)

	clients := factory.created()
	require.Len(t, clients, 1)
	assert.Equal(t, "resume-abc", clients[0].opts.ResumeToken)
}

func TestGetOrCreateClearsStaleResumeToken(t *testing.T) {
	factory := &fakeFactory{}
	factory.next = func(opts runtime.Options) *fakeClient {
		c := &fakeClient{}
		if opts.ResumeToken != "" {
			c.connectErr = fmt.Errorf("%w: unknown token", runtime.ErrResumeFailed)
		}
		return c
	}
	reg, tokens := testRegistry(t, factory)
	ctx := context.Background()

	require.NoError(t, tokens.Set(ctx, "s1", "acme", "stale"))

	_, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)

	clients := factory.created()
	require.Len(t, clients, 2)
	assert.Equal(t, "stale", clients[0].opts.ResumeToken)
	assert.Empty(t, clients[1].opts.ResumeToken)

	_, found, err := tokens.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetOrCreateResumeMismatchRebuilds(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	s1, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "conv-a")
	require.NoError(t, err)

	// The same token and no token both reuse the live session.
	s2, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "conv-a")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	s3, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)
	assert.Same(t, s1, s3)

	// A different token tears the session down and rebuilds it on the
	// requested conversation.
	s4, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "conv-b")
	require.NoError(t, err)
	assert.NotSame(t, s1, s4)
	assert.Equal(t, "conv-b", s4.ResumeToken())
	assert.Equal(t, 1, reg.Count())

	clients := factory.created()
	require.Len(t, clients, 2)
	assert.Equal(t, "conv-a", clients[0].opts.ResumeToken)
	assert.True(t, clients[0].killed)
	assert.Equal(t, "conv-b", clients[1].opts.ResumeToken)
}

func TestRunExchangeResumeMismatchRebuilds(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	// First exchange binds the session to the token the runtime returned.
	token, err := reg.RunExchange(ctx, "s1", "acme", "a1", "", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "token-hi", token)

	// Exchanging on another conversation replaces the runtime.
	_, err = reg.RunExchange(ctx, "s1", "acme", "a1", "conv-other", "hi", nil)
	require.NoError(t, err)

	clients := factory.created()
	require.Len(t, clients, 2)
	assert.Equal(t, "conv-other", clients[1].opts.ResumeToken)
	assert.True(t, clients[0].killed)
}

func TestRunExchangePersistsToken(t *testing.T) {
	factory := &fakeFactory{}
	reg, tokens := testRegistry(t, factory)
	ctx := context.Background()

	token, err := reg.RunExchange(ctx, "s1", "acme", "a1", "", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "token-hello", token)

	stored, found, err := tokens.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "token-hello", stored)
}

func TestRunExchangeSerializesPerSession(t *testing.T) {
	var inFlight, maxInFlight int32
	release := make(chan struct{})

	factory := &fakeFactory{}
	factory.next = func(opts runtime.Options) *fakeClient {
		return &fakeClient{
			queryFn: func(ctx context.Context, message string, emit runtime.EmitFunc) (string, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&inFlight, -1)
				return "t", nil
			},
		}
	}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.RunExchange(ctx, "s1", "acme", "a1", "", "msg", nil)
			assert.NoError(t, err)
		}()
	}

	// Let the exchanges queue up on the session lock, then release them.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestRunExchangeDifferentSessionsRunConcurrently(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})

	factory := &fakeFactory{}
	factory.next = func(opts runtime.Options) *fakeClient {
		return &fakeClient{
			queryFn: func(ctx context.Context, message string, emit runtime.EmitFunc) (string, error) {
				started <- message
				<-release
				return "t", nil
			},
		}
	}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := reg.RunExchange(ctx, id, "acme", "a1", "", id, nil)
			assert.NoError(t, err)
		}(id)
	}

	// Both sessions must reach their runtime without waiting on each other.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("exchanges on different sessions blocked each other")
		}
	}
	close(release)
	wg.Wait()
}

func TestRunExchangeFatalRetriesOnce(t *testing.T) {
	factory := &fakeFactory{}
	calls := 0
	factory.next = func(opts runtime.Options) *fakeClient {
		return &fakeClient{
			queryFn: func(ctx context.Context, message string, emit runtime.EmitFunc) (string, error) {
				calls++
				if calls == 1 {
					return "", fmt.Errorf("runtime exited with exit code 137")
				}
				return "token-retry", nil
			},
		}
	}
	reg, tokens := testRegistry(t, factory)
	ctx := context.Background()

	require.NoError(t, tokens.Set(ctx, "s1", "acme", "pre-crash"))

	token, err := reg.RunExchange(ctx, "s1", "acme", "a1", "", "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, "token-retry", token)

	// The dead runtime was replaced by a fresh one without the old token.
	clients := factory.created()
	require.Len(t, clients, 2)
	assert.Equal(t, "pre-crash", clients[0].opts.ResumeToken)
	assert.True(t, clients[0].killed)
	assert.Empty(t, clients[1].opts.ResumeToken)

	// The retry's token replaced the stale one.
	stored, found, err := tokens.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "token-retry", stored)
}

func TestRunExchangeFatalTwiceSurfaces(t *testing.T) {
	factory := &fakeFactory{}
	factory.next = func(opts runtime.Options) *fakeClient {
		return &fakeClient{
			queryFn: func(ctx context.Context, message string, emit runtime.EmitFunc) (string, error) {
				return "", fmt.Errorf("cannot write to terminated process")
			},
		}
	}
	reg, _ := testRegistry(t, factory)

	_, err := reg.RunExchange(context.Background(), "s1", "acme", "a1", "", "msg", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransportFatal(err))

	// Exactly one retry: two clients total, both torn down.
	clients := factory.created()
	require.Len(t, clients, 2)
	assert.True(t, clients[0].killed)
	assert.True(t, clients[1].killed)
	assert.Equal(t, 0, reg.Count())
}

func TestRunExchangeNonFatalErrorDoesNotRecreate(t *testing.T) {
	factory := &fakeFactory{}
	factory.next = func(opts runtime.Options) *fakeClient {
		return &fakeClient{
			queryFn: func(ctx context.Context, message string, emit runtime.EmitFunc) (string, error) {
				return "", fmt.Errorf("prompt rejected: model refused")
			},
		}
	}
	reg, _ := testRegistry(t, factory)

	_, err := reg.RunExchange(context.Background(), "s1", "acme", "a1", "", "msg", nil)
	require.Error(t, err)
	assert.False(t, apperrors.IsTransportFatal(err))

	// The session survives a non-fatal exchange failure.
	assert.Len(t, factory.created(), 1)
	assert.Equal(t, 1, reg.Count())
}

func TestCloseSession(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx, "s1"))
	assert.Equal(t, 0, reg.Count())

	clients := factory.created()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].disconnected)
	assert.True(t, clients[0].killed)

	err = reg.Close(ctx, "s1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCloseAllForTenant(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)
	_, err = reg.GetOrCreate(ctx, "s2", "acme", "a2", "")
	require.NoError(t, err)
	_, err = reg.GetOrCreate(ctx, "s3", "other", "a1", "")
	require.NoError(t, err)

	require.NoError(t, reg.CloseAllForTenant(ctx, "acme"))

	assert.Equal(t, 1, reg.Count())
	_, ok := reg.Get("s3")
	assert.True(t, ok)
}

func TestReaperReapsIdleSessions(t *testing.T) {
	factory := &fakeFactory{}
	reg, tokens := testRegistry(t, factory)
	ctx := context.Background()

	s, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)
	require.NoError(t, tokens.Set(ctx, "s1", "acme", "keep-me"))

	reaper := NewReaper(reg, config.ReaperConfig{Interval: 300, IdleTimeout: 1200, Backoff: 30}, logger.Default())

	// Fresh session is not idle yet.
	reaper.sweep()
	assert.Equal(t, 1, reg.Count())

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-30 * time.Minute)
	s.mu.Unlock()

	reaper.sweep()
	assert.Equal(t, 0, reg.Count())
	assert.True(t, factory.created()[0].killed)

	// Reaping keeps the resume token so the conversation can continue.
	stored, found, err := tokens.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "keep-me", stored)
}

func TestReaperSkipsBusySessions(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)
	ctx := context.Background()

	s, err := reg.GetOrCreate(ctx, "s1", "acme", "a1", "")
	require.NoError(t, err)

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-30 * time.Minute)
	s.mu.Unlock()

	// Hold the session lock as an in-flight exchange would.
	lock := reg.locks.get("s1")
	lock.Lock()

	reaper := NewReaper(reg, config.ReaperConfig{Interval: 300, IdleTimeout: 1200, Backoff: 30}, logger.Default())
	reaper.sweep()
	assert.Equal(t, 1, reg.Count())

	lock.Unlock()
	reaper.sweep()
	assert.Equal(t, 0, reg.Count())
}

func TestReaperStartStop(t *testing.T) {
	factory := &fakeFactory{}
	reg, _ := testRegistry(t, factory)

	reaper := NewReaper(reg, config.ReaperConfig{Interval: 1, IdleTimeout: 1200, Backoff: 1}, logger.Default())
	reaper.Start()

	done := make(chan struct{})
	go func() {
		reaper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
