package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ifgate/internal/gateway"
	"github.com/roach88/ifgate/internal/ifrpc"
	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/schema"
	"github.com/roach88/ifgate/internal/testutil"
	"github.com/roach88/ifgate/internal/value"
)

// connectedPair returns the embedding page's channel and the messenger
// frame's channel.
func connectedPair(t *testing.T) (page, frame *ifrpc.Channel) {
	t.Helper()
	logger := testutil.DiscardLogger()
	wp := ifrpc.NewWindow("https://page.example", ifrpc.WithWindowLogger(logger))
	wf := ifrpc.NewWindow("https://app.example", ifrpc.WithWindowLogger(logger))
	t.Cleanup(wp.Close)
	t.Cleanup(wf.Close)

	var err error
	page, err = ifrpc.NewChannel(wp, wf, ifrpc.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(page.Close)
	frame, err = ifrpc.NewChannel(wf, wp, ifrpc.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(frame.Close)
	return page, frame
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// configureRecorder answers configure on the frame and hands over its
// argument.
func configureRecorder(t *testing.T, frame *ifrpc.Channel, fail error) <-chan value.Value {
	t.Helper()
	got := make(chan value.Value, 1)
	require.NoError(t, frame.AddCommandHandler(CommandConfigure, func(_ context.Context, call *ifrpc.Call) (any, error) {
		got <- call.Arg(0)
		return nil, fail
	}))
	return got
}

func newTestClient(t *testing.T, ch Channel, auth Auth, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)
	c, err := New(ch, auth, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestAuth_Validate(t *testing.T) {
	tests := []struct {
		name string
		auth Auth
		want error
	}{
		{"org token", Auth{OrgEphemeralToken: "secret"}, nil},
		{"jwt", Auth{JWT: "a.b.c"}, nil},
		{"user token", Auth{UserAuthToken: "u"}, nil},
		{"none", Auth{}, ErrMissingAuth},
		{"two", Auth{JWT: "a.b.c", UserAuthToken: "u"}, ErrInvalidAuth},
		{"three", Auth{OrgEphemeralToken: "o", JWT: "j", UserAuthToken: "u"}, ErrInvalidAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.auth.Validate(), tt.want)
		})
	}
}

func TestNew_RejectsInvalidAuth(t *testing.T) {
	page, _ := connectedPair(t)
	_, err := New(page, Auth{})
	assert.ErrorIs(t, err, ErrMissingAuth)
}

func TestClient_InitSendsConfigure(t *testing.T) {
	page, frame := connectedPair(t)
	got := configureRecorder(t, frame, nil)

	ready := make(chan struct{})
	c := newTestClient(t, page, Auth{OrgEphemeralToken: "secret"},
		WithShowNav(true),
		WithShowThreadHeader(true),
		WithEphemeralUserInfo(EphemeralUserInfo{FirstName: "Ada", Email: "ada@example.com"}),
		WithCallback(func(context.Context, *Client) error {
			close(ready)
			return nil
		}),
	)

	require.NoError(t, frame.TriggerEvent(testContext(t), EventInit))
	require.NoError(t, c.Ready(testContext(t)))

	want := value.Object{
		"auth":             value.Object{"orgEphemeralToken": value.String("secret")},
		"showNav":          value.Bool(true),
		"showHeader":       value.Bool(false),
		"showThreadAside":  value.Bool(false),
		"showThreadHeader": value.Bool(true),
		"ephemeralUserInfo": value.Object{
			"firstName": value.String("Ada"),
			"email":     value.String("ada@example.com"),
		},
	}
	select {
	case args := <-got:
		assert.True(t, value.Equal(want, args), "got %#v", args)
	case <-time.After(time.Second):
		t.Fatal("configure not received")
	}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("callback not run")
	}
}

func TestClient_EarlyListenersAttachWhenReady(t *testing.T) {
	page, frame := connectedPair(t)
	configureRecorder(t, frame, nil)
	c := newTestClient(t, page, Auth{JWT: "a.b.c"})

	events := make(chan value.Value, 4)
	c.AddEventListener("thread-message", func(_ context.Context, ev *ifrpc.Event) error {
		events <- ev.Arg(0)
		return nil
	})
	removed := c.AddEventListener("thread-message", func(context.Context, *ifrpc.Event) error {
		t.Error("removed listener called")
		return nil
	})
	c.RemoveEventListener("thread-message", removed)

	require.NoError(t, frame.TriggerEvent(testContext(t), EventInit))
	require.NoError(t, c.Ready(testContext(t)))

	require.NoError(t, frame.TriggerEvent(testContext(t), "thread-message", map[string]any{"id": "m1"}))
	select {
	case got := <-events:
		assert.True(t, value.Equal(value.Object{"id": value.String("m1")}, got))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestClient_EarlyListenersKeepRegistrationOrder(t *testing.T) {
	page, frame := connectedPair(t)
	configureRecorder(t, frame, nil)
	c := newTestClient(t, page, Auth{JWT: "a.b.c"})

	const n = 16
	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		c.AddEventListener("x", func(context.Context, *ifrpc.Event) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			return nil
		})
	}

	require.NoError(t, frame.TriggerEvent(testContext(t), EventInit))
	require.NoError(t, c.Ready(testContext(t)))
	late := c.AddEventListener("x", func(context.Context, *ifrpc.Event) error {
		return nil
	})
	c.RemoveEventListener("x", late)

	require.NoError(t, frame.TriggerEvent(testContext(t), "x"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listeners not called")
	}

	mu.Lock()
	defer mu.Unlock()
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestClient_ConfigureFailure(t *testing.T) {
	page, frame := connectedPair(t)
	configureRecorder(t, frame, errors.New("bad token"))
	c := newTestClient(t, page, Auth{UserAuthToken: "u"})

	require.NoError(t, frame.TriggerEvent(testContext(t), EventInit))
	err := c.Ready(testContext(t))
	require.Error(t, err)
	assert.True(t, ifrpc.IsRemoteError(err))
	assert.Contains(t, err.Error(), "bad token")
}

func TestClient_ReadyRespectsContext(t *testing.T) {
	page, _ := connectedPair(t)
	c := newTestClient(t, page, Auth{JWT: "a.b.c"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Ready(ctx), context.DeadlineExceeded)
}

func TestClient_PassThroughCommands(t *testing.T) {
	page, frame := connectedPair(t)
	c := newTestClient(t, page, Auth{JWT: "a.b.c"})

	echo := func(_ context.Context, call *ifrpc.Call) (any, error) {
		return value.Array{value.String(call.Name), call.Arg(0)}, nil
	}
	for _, name := range []string{CommandNavPanelToggle, CommandThreadStartExpression, CommandThreadOpen} {
		require.NoError(t, frame.AddCommandHandler(name, echo))
	}

	collapse := true
	got, err := c.NavPanelToggle(testContext(t), &collapse)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Array{value.String("nav-panel-toggle"), value.Bool(true)}, got))

	got, err = c.NavPanelToggle(testContext(t), nil)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Array{value.String("nav-panel-toggle"), value.Null{}}, got))

	got, err = c.ThreadStartWithExpression(testContext(t), "@ada + @bob")
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Array{value.String("thread-join"), value.String("@ada + @bob")}, got))

	got, err = c.ThreadOpen(testContext(t), "t-1")
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Array{value.String("thread-open"), value.String("t-1")}, got))
}

func TestClient_ServesGateway(t *testing.T) {
	page, frame := connectedPair(t)
	factory, err := recordstore.NewFactory(t.TempDir(), recordstore.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	reg, err := schema.BuiltinRegistry()
	require.NoError(t, err)

	c := newTestClient(t, page, Auth{JWT: "a.b.c"}, WithGateway(factory, reg))
	require.NotNil(t, c.Gateway())

	_, err = frame.InvokeCommand(testContext(t), gateway.CommandInit,
		map[string]any{"name": "SharedCache", "id": "cache", "version": 1})
	require.NoError(t, err)

	names, err := frame.InvokeCommand(testContext(t), gateway.CommandName(gateway.VerbObjectStoreNames, "cache"))
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Array{value.String("cache")}, names), "got %#v", names)
}
