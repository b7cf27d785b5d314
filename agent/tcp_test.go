package agent_test

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/agent/agenttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCP_serveManyConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- agent.ListenTCP(ln, agent.PeerConfig{}, echoInvoice)
	}()

	for i := int64(1); i <= 2; i++ {
		p, err := agent.ConnectTCP(context.Background(), ln.Addr().String(), agent.PeerConfig{})
		require.NoError(t, err)
		assert.Equal(t, ln.Addr().String(), p.Name())
		require.NoError(t, p.Start(agenttest.Reject))

		reply, err := p.Request(context.Background(), requestInvoice(i))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(i), reply.Invoice.Amount)
		require.NoError(t, p.Close())
	}

	require.NoError(t, ln.Close())
	assert.NoError(t, <-done)
}

func TestConnectTCP_refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = agent.ConnectTCP(context.Background(), addr, agent.PeerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to "+addr)
}

func TestServeTCP_acceptsOneConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	served := make(chan *agent.Peer, 1)
	go func() {
		p, err := agent.ServeTCP(context.Background(), addr, agent.PeerConfig{Name: "owner"})
		if assert.NoError(t, err) {
			served <- p
		}
	}()

	var client *agent.Peer
	require.Eventually(t, func() bool {
		client, err = agent.ConnectTCP(context.Background(), addr, agent.PeerConfig{})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, client.Start(agenttest.Reject))

	server := <-served
	assert.Equal(t, "owner", server.Name())
	require.NoError(t, server.Start(echoInvoice))
	reply, err := client.Request(context.Background(), requestInvoice(3))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), reply.Invoice.Amount)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

func TestServeTCP_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := agent.ServeTCP(ctx, "127.0.0.1:0", agent.PeerConfig{})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeTCP did not return after cancel")
	}
}
