package clients_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-game-lobby/internal/clients"
	"github.com/koopa0/system-design/14-game-lobby/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
	"github.com/koopa0/system-design/14-game-lobby/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := clients.NewRegistry(logger.Discard())
	first, second := &fakeConn{}, &fakeConn{}

	assert.Nil(t, r.Register("alice", first))
	assert.Same(t, first, r.Register("alice", second), "old connection is handed back")
	assert.Nil(t, r.Register("alice", second), "same connection is not reported")

	// 舊連接斷線不影響新連接
	assert.False(t, r.Unregister("alice", first))
	conn, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, conn)

	assert.True(t, r.Unregister("alice", second))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Send(t *testing.T) {
	r := clients.NewRegistry(logger.Discard())
	conn := &fakeConn{}
	r.Register("alice", conn)

	require.NoError(t, r.Send("alice", []byte("hi")))
	assert.Equal(t, [][]byte{[]byte("hi")}, conn.Sent())

	err := r.Send("bob", []byte("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRecipientNotFound))
}

func TestRegistry_Broadcast(t *testing.T) {
	r := clients.NewRegistry(logger.Discard())
	alice, bob, full := &fakeConn{}, &fakeConn{}, &fakeConn{err: errors.New("send buffer full")}
	r.Register("alice", alice)
	r.Register("bob", bob)
	r.Register("carol", full)

	found := r.LookupMany([]string{"alice", "carol", "dave"})
	assert.Len(t, found, 2)
	assert.NotContains(t, found, "dave")

	sent := r.Broadcast([]string{"alice", "bob", "carol", "dave"}, []byte("x"))
	assert.Equal(t, 2, sent)
	assert.Len(t, alice.Sent(), 1)
	assert.Len(t, bob.Sent(), 1)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := clients.NewRegistry(logger.Discard())

	testutils.RunConcurrently(t, 50, func(i int) {
		name := fmt.Sprintf("user%d", i)
		conn := &fakeConn{}
		r.Register(name, conn)
		_ = r.Send(name, []byte("x"))
		r.Broadcast([]string{"user0", "user1", name}, []byte("y"))
		if i%2 == 0 {
			r.Unregister(name, conn)
		}
	})

	assert.Equal(t, 25, r.Count())
}
