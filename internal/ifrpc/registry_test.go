package ifrpc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/ifgate/internal/testutil"
)

type panicHandler struct{}

func (panicHandler) HandleMessage(MessageEvent) { panic("handler exploded") }

func TestRegistry_DispatchIsolatesHandlers(t *testing.T) {
	r := NewRegistry(testutil.DiscardLogger())

	var before, after atomic.Int32
	r.Register(messageCounter{&before})
	r.Register(panicHandler{})
	r.Register(messageCounter{&after})

	r.Dispatch(MessageEvent{Data: []byte("x")})

	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(1), after.Load())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(testutil.DiscardLogger())

	var n atomic.Int32
	unregister := r.Register(messageCounter{&n})
	assert.Equal(t, 1, r.Len())

	unregister()
	unregister()
	assert.Equal(t, 0, r.Len())

	r.Dispatch(MessageEvent{})
	assert.Equal(t, int32(0), n.Load())
}

func TestRegistry_ChannelRegistersOnHostWindow(t *testing.T) {
	w := newTestWindow(t, originA)
	peer := newTestWindow(t, originB)

	ch := newTestChannel(t, w, peer)
	assert.Equal(t, 1, w.Registry().Len())

	ch.Close()
	assert.Equal(t, 0, w.Registry().Len())
}
