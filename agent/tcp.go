package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ServeTCP listens on the address and accepts a single connection, returning
// a peer for it. The peer is not started. The Conn of the config is set from
// the accepted connection, and the Name defaults to its remote address.
//
// Waiting for the connection stops when the context is done.
func ServeTCP(ctx context.Context, addr string, c PeerConfig) (*Peer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-accepted:
		}
	}()

	conn, err := ln.Accept()
	if ctx.Err() != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("accepting incoming connection: %w", err)
	}
	return newTCPPeer(conn, c), nil
}

// ConnectTCP connects to the address and returns a peer for the connection.
// The peer is not started.
func ConnectTCP(ctx context.Context, addr string, c PeerConfig) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return newTCPPeer(conn, c), nil
}

func newTCPPeer(conn net.Conn, c PeerConfig) *Peer {
	c.Conn = conn
	if c.Name == "" {
		c.Name = conn.RemoteAddr().String()
	}
	loggerOrDiscard(c.Logger).WithField("peer", c.Name).Infof("connected to %v", conn.RemoteAddr())
	return NewPeer(c)
}

// ListenTCP accepts connections on the listener until it is closed, starting a
// peer for each handled by the handler. Owners accept payers this way to issue
// invoices.
func ListenTCP(ln net.Listener, c PeerConfig, h Handler) error {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("accepting incoming connection: %w", err)
		}
		pc := c
		pc.Name = ""
		p := newTCPPeer(conn, pc)
		err = p.Start(h)
		if err != nil {
			conn.Close()
			return err
		}
	}
}
