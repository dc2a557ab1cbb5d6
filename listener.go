package xpc

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// PeerHandler returns the delegate for a newly accepted peer connection.
// Returning nil ignores the peer's events.
type PeerHandler func(peer *Connection) Delegate

// Listener accepts inbound connections on a launchd service. Each peer is
// given the delegate returned by the PeerHandler and activated.
type Listener struct {
	conn    *Connection
	handler PeerHandler
	log     *zap.Logger

	mu    sync.Mutex
	peers map[*Connection]struct{}

	tmb tomb.Tomb
}

// Listen starts listening on the service name.
func Listen(service string, handler PeerHandler, opts ...Option) (*Listener, error) {
	conn, err := CreateMachService(service, MachServiceListener, opts...)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		conn:    conn,
		handler: handler,
		log:     conn.state.log,
		peers:   make(map[*Connection]struct{}),
	}
	conn.SetDelegate(DelegateFunc(l.handleEvent))

	l.tmb.Go(func() error {
		<-l.tmb.Dying()
		l.shutdown()
		return nil
	})

	if err := conn.Activate(); err != nil {
		l.tmb.Kill(err)
		_ = l.tmb.Wait()
		return nil, err
	}
	l.log.Info("xpc: listening", zap.String("service", service))
	return l, nil
}

func (l *Listener) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnection:
		l.accept(ev.Peer)
	case EventConnectionInvalid, EventTerminationImminent:
		l.log.Info("xpc: listener stopping", zap.Error(ev.Err))
		l.tmb.Kill(ev.Err)
	}
}

func (l *Listener) accept(peer *Connection) {
	l.mu.Lock()
	if !l.tmb.Alive() {
		l.mu.Unlock()
		peer.Release()
		return
	}
	l.peers[peer] = struct{}{}
	l.mu.Unlock()

	var d Delegate
	if l.handler != nil {
		d = l.handler(peer)
	}
	peer.SetDelegate(DelegateFunc(func(ev Event) {
		if d != nil {
			d.HandleEvent(ev)
		}
		if ev.Kind == EventConnectionInvalid {
			l.forget(peer)
		}
	}))
	if err := peer.Activate(); err != nil {
		l.forget(peer)
		return
	}
	l.log.Debug("xpc: accepted peer", zap.String("peer", peer.ID()))
}

func (l *Listener) forget(peer *Connection) {
	l.mu.Lock()
	_, ok := l.peers[peer]
	delete(l.peers, peer)
	l.mu.Unlock()
	if ok {
		peer.Release()
	}
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[*Connection]struct{})
	l.mu.Unlock()

	for peer := range peers {
		peer.Release()
	}
	l.conn.Release()
}

// Peers returns the number of connected peers.
func (l *Listener) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Conn returns the listener's own connection.
func (l *Listener) Conn() *Connection {
	return l.conn
}

// Serve blocks until ctx is done, Close is called, or the listener connection
// is invalidated. It returns the transport error in the last case and nil
// otherwise.
func (l *Listener) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return l.Close()
	case <-l.tmb.Dead():
		return l.tmb.Err()
	}
}

// Close stops accepting peers and releases every connection.
func (l *Listener) Close() error {
	l.tmb.Kill(nil)
	err := l.tmb.Wait()
	if _, ok := err.(*TransportError); ok {
		// Already reported by Serve.
		return nil
	}
	return err
}

// Main listens on service and serves until SIGINT or SIGTERM. It is meant to
// be the body of a service's main function.
func Main(service string, handler PeerHandler, opts ...Option) error {
	l, err := Listen(service, handler, opts...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return l.Serve(ctx)
}
