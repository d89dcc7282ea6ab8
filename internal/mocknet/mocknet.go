// Package mocknet provides an in-process transport for wiring nodes together
// in tests. Connections are auto-accepted and delivery is asynchronous, like
// the real thing, but everything stays inside one process.
package mocknet

import (
	"fmt"
	"sync"

	"github.com/joydit/MaidSafe-Routing/nodeid"
	"github.com/joydit/MaidSafe-Routing/table"
)

// Network is the shared fabric all mock transports attach to.
type Network struct {
	mu         sync.Mutex
	transports map[table.Endpoint]*Transport
}

func New() *Network {
	return &Network{transports: make(map[table.Endpoint]*Transport)}
}

// NewTransport attaches a new transport listening on endpoint.
func (n *Network) NewTransport(endpoint table.Endpoint, nat table.NatType) *Transport {
	t := &Transport{
		net:      n,
		endpoint: endpoint,
		nat:      nat,
		links:    make(map[nodeid.ID]*link),
	}
	n.mu.Lock()
	n.transports[endpoint] = t
	n.mu.Unlock()
	return t
}

func (n *Network) lookup(endpoint table.Endpoint) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transports[endpoint]
	return t, ok
}

// Detach removes a transport from the fabric and severs its connections,
// simulating a node going offline.
func (n *Network) Detach(endpoint table.Endpoint) {
	n.mu.Lock()
	t, ok := n.transports[endpoint]
	delete(n.transports, endpoint)
	n.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	links := make(map[nodeid.ID]*link, len(t.links))
	for c, l := range t.links {
		links[c] = l
	}
	t.links = make(map[nodeid.ID]*link)
	t.mu.Unlock()
	for _, l := range links {
		l.peer.dropLink(l.remote, true)
	}
}

type link struct {
	peer   *Transport
	remote nodeid.ID
}

// Transport implements the node's transport collaborator over the shared
// fabric. Connection ids are random, one per direction.
type Transport struct {
	net      *Network
	endpoint table.Endpoint
	nat      table.NatType

	mu           sync.Mutex
	receiver     func(conn nodeid.ID, data []byte)
	disconnected func(conn nodeid.ID)
	links        map[nodeid.ID]*link
}

func (t *Transport) Connect(endpoint table.Endpoint) (nodeid.ID, error) {
	peer, ok := t.net.lookup(endpoint)
	if !ok {
		return nodeid.ID{}, fmt.Errorf("mocknet: no transport at %s", endpoint)
	}
	local := nodeid.NewRandom()
	remote := nodeid.NewRandom()

	t.mu.Lock()
	t.links[local] = &link{peer: peer, remote: remote}
	t.mu.Unlock()

	peer.mu.Lock()
	peer.links[remote] = &link{peer: t, remote: local}
	peer.mu.Unlock()

	return local, nil
}

func (t *Transport) Send(conn nodeid.ID, data []byte, sent func(error)) {
	t.mu.Lock()
	l, ok := t.links[conn]
	t.mu.Unlock()
	if !ok {
		if sent != nil {
			sent(fmt.Errorf("mocknet: unknown connection %s", conn.ShortString()))
		}
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	go l.peer.receive(l.remote, buf)
	if sent != nil {
		sent(nil)
	}
}

func (t *Transport) CloseConnection(conn nodeid.ID) {
	t.mu.Lock()
	l, ok := t.links[conn]
	delete(t.links, conn)
	t.mu.Unlock()
	if ok {
		l.peer.dropLink(l.remote, true)
	}
}

func (t *Transport) SetReceiver(fn func(conn nodeid.ID, data []byte)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

func (t *Transport) SetDisconnected(fn func(conn nodeid.ID)) {
	t.mu.Lock()
	t.disconnected = fn
	t.mu.Unlock()
}

func (t *Transport) LocalEndpoint() table.Endpoint { return t.endpoint }

func (t *Transport) NatType() table.NatType { return t.nat }

func (t *Transport) receive(conn nodeid.ID, data []byte) {
	t.mu.Lock()
	fn := t.receiver
	_, ok := t.links[conn]
	t.mu.Unlock()
	if !ok || fn == nil {
		return
	}
	fn(conn, data)
}

func (t *Transport) dropLink(conn nodeid.ID, notify bool) {
	t.mu.Lock()
	_, ok := t.links[conn]
	delete(t.links, conn)
	fn := t.disconnected
	t.mu.Unlock()
	if ok && notify && fn != nil {
		go fn(conn)
	}
}
