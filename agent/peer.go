package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent/msg"
)

// DefaultRequestTimeout is the time a request waits for its reply when the
// request's context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// Handler handles the requests a peer receives. Replies are sent with the
// peer's Reply and Reject functions.
type Handler interface {
	HandleMessage(p *Peer, m msg.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(p *Peer, m msg.Message) error

func (f HandlerFunc) HandleMessage(p *Peer, m msg.Message) error {
	return f(p, m)
}

// PeerConfig contains the information that can be supplied to configure the
// Peer at construction.
type PeerConfig struct {
	// Name identifies the remote participant in logs.
	Name string

	Conn io.ReadWriteCloser

	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	Logger *log.Entry

	Events chan<- interface{}
}

// Peer exchanges messages with a remote participant over a connection.
//
// A single read loop decodes messages. Replies are routed to the request
// waiting on them, all other messages are queued and handled one at a time
// in the order received. A handler may therefore make requests of its own
// while handling a message.
type Peer struct {
	name           string
	conn           io.ReadWriteCloser
	requestTimeout time.Duration
	logger         *log.Entry
	events         chan<- interface{}

	writeMu sync.Mutex
	enc     *msg.Encoder

	// mu is a lock for the mutable fields of this type.
	mu      sync.Mutex
	started bool
	pending map[string]chan msg.Message
	queue   []msg.Message
	queued  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewPeer(c PeerConfig) *Peer {
	p := &Peer{
		name:           c.Name,
		conn:           c.Conn,
		requestTimeout: c.RequestTimeout,
		logger:         loggerOrDiscard(c.Logger).WithField("peer", c.Name),
		events:         c.Events,
		enc:            msg.NewEncoder(c.Conn),
		pending:        map[string]chan msg.Message{},
		queued:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	if p.requestTimeout == 0 {
		p.requestTimeout = DefaultRequestTimeout
	}
	return p
}

// Name returns the name of the remote participant.
func (p *Peer) Name() string {
	return p.name
}

// Start begins reading messages from the connection and handling them with
// the handler. It returns immediately.
func (p *Peer) Start(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("peer %s already started", p.name)
	}
	p.started = true
	go p.receiveLoop()
	go p.handleLoop(h)
	return nil
}

// Done is closed when the peer's connection is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close closes the connection. Requests waiting on replies fail with
// ErrPeerClosed.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		close(p.done)
	})
	return err
}

// Send writes the message to the connection.
func (p *Peer) Send(m msg.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	err := p.enc.Encode(m)
	if err != nil {
		return fmt.Errorf("sending %s to %s: %w", m.Type, p.name, err)
	}
	p.logger.WithFields(log.F{"type": m.Type, "id": m.ID, "reply_to": m.ReplyTo}).Debug("sent")
	return nil
}

// Request sends the message with a new id and waits for the reply to it. If
// the context has no deadline the peer's request timeout applies. A reply of
// type error is returned with an error wrapping ErrPeerRejected.
func (p *Peer) Request(ctx context.Context, m msg.Message) (msg.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	m.ID = uuid.New().String()
	m.ReplyTo = ""
	reply := make(chan msg.Message, 1)
	p.mu.Lock()
	p.pending[m.ID] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, m.ID)
		p.mu.Unlock()
	}()

	err := p.Send(m)
	if err != nil {
		return msg.Message{}, err
	}

	select {
	case r := <-reply:
		if r.Type == msg.TypeError {
			return r, fmt.Errorf("%s request to %s: %w: %s", m.Type, p.name, ErrPeerRejected, r.Error.Reason)
		}
		return r, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return msg.Message{}, fmt.Errorf("%s request to %s: %w", m.Type, p.name, ErrPeerTimeout)
		}
		return msg.Message{}, ctx.Err()
	case <-p.done:
		return msg.Message{}, fmt.Errorf("%s request to %s: %w", m.Type, p.name, ErrPeerClosed)
	}
}

// Reply sends the reply to the request.
func (p *Peer) Reply(req msg.Message, reply msg.Message) error {
	reply.ID = ""
	reply.ReplyTo = req.ID
	return p.Send(reply)
}

// Reject replies to the request with the reason it could not be served.
func (p *Peer) Reject(req msg.Message, reason error) error {
	return p.Reply(req, msg.Message{
		Type:  msg.TypeError,
		Error: &msg.Error{Reason: reason.Error()},
	})
}

func (p *Peer) receive(dec *msg.Decoder) error {
	raw := json.RawMessage{}
	err := dec.Decode(&raw)
	if err != nil {
		return err
	}
	m := msg.Message{}
	err = json.Unmarshal(raw, &m)
	if err != nil {
		p.emitError(fmt.Errorf("decoding message from %s: %w", p.name, err))
		return nil
	}
	p.logger.WithFields(log.F{"type": m.Type, "id": m.ID, "reply_to": m.ReplyTo}).Debug("received")

	if m.Type.IsReply() && m.ReplyTo != "" {
		p.mu.Lock()
		reply, ok := p.pending[m.ReplyTo]
		p.mu.Unlock()
		if !ok {
			p.logger.WithFields(log.F{"type": m.Type, "reply_to": m.ReplyTo}).Warn("dropping reply to unknown request")
			return nil
		}
		select {
		case reply <- m:
		default:
			p.logger.WithFields(log.F{"type": m.Type, "reply_to": m.ReplyTo}).Warn("dropping duplicate reply")
		}
		return nil
	}

	p.mu.Lock()
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	select {
	case p.queued <- struct{}{}:
	default:
	}
	return nil
}

func (p *Peer) receiveLoop() {
	dec := msg.NewDecoder(p.conn)
	for {
		err := p.receive(dec)
		if err != nil {
			select {
			case <-p.done:
			default:
				if err != io.EOF {
					p.logger.WithError(err).Error("error receiving, closing")
				} else {
					p.logger.Info("connection closed by remote")
				}
				_ = p.Close()
			}
			return
		}
	}
}

func (p *Peer) next() (msg.Message, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			m := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return m, true
		}
		p.mu.Unlock()
		select {
		case <-p.queued:
		case <-p.done:
			return msg.Message{}, false
		}
	}
}

func (p *Peer) handleLoop(h Handler) {
	for {
		m, ok := p.next()
		if !ok {
			return
		}
		err := h.HandleMessage(p, m)
		if err != nil {
			p.emitError(fmt.Errorf("handling %s message from %s: %w", m.Type, p.name, err))
		}
	}
}

func (p *Peer) emitError(err error) {
	p.logger.WithError(err).Error("error")
	if p.events != nil {
		p.events <- ErrorEvent{Err: err}
	}
}
