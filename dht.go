package dht

import (
	"context"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("dht")

// DHT is the top-level handle a hosting daemon holds: it bundles the
// PeerTable and the Routing engine and wires inbound messages from
// Core to the right handler. This collapses the original's two
// separate init/done lifecycle pairs (table init/done, routing engine
// init/done) into a single constructor/destructor.
type DHT struct {
	table   *PeerTable
	routing *Routing
	cfg     *Config
}

// Init builds and starts a DHT over the given collaborators. The
// background maintenance loop is started immediately; call Shutdown to
// stop it.
func Init(core Core, dstore DStore, pingpong PingPong, identity Identity, stats Stats, opts ...Option) (*DHT, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	table, err := NewPeerTable(core, identity, pingpong, stats, cfg)
	if err != nil {
		return nil, err
	}
	routing := NewRouting(core, dstore, table, stats, cfg)

	d := &DHT{table: table, routing: routing, cfg: cfg}
	core.OnDisconnect(func(p PeerID) {
		log.Debugf("peer %s disconnected", p)
	})
	table.Start(context.Background())
	return d, nil
}

// Shutdown halts the background maintenance loop. It does not drain or
// notify any outstanding Subscriptions; callers that need a graceful
// drain should Stop each Subscription first.
func (d *DHT) Shutdown() {
	d.table.Stop()
}

// Dispatch hands an inbound wire message from sender to the right
// component: DISCOVERY and ASK_HELLO go to the PeerTable, GET/PUT/
// RESULT to the Routing engine. The hosting Core collaborator's
// message-receive callback should call this for every DHT message it
// decodes.
func (d *DHT) Dispatch(sender PeerID, msg *Message) {
	switch msg.Type {
	case MsgDiscovery:
		d.table.HandleDiscovery(sender, msg)
	case MsgAskHello:
		d.table.HandleAskHello(sender, msg)
	case MsgGet, MsgPut, MsgResult:
		d.routing.Dispatch(sender, msg)
	default:
		log.Debugf("dropping message of unknown type %d from %s", msg.Type, sender)
	}
}

// Get starts a locally originated GET for key under content type ctype,
// delivering every distinct result to handler until the returned
// Subscription is stopped.
func (d *DHT) Get(key Key, ctype uint32, handler ResultHandler) *Subscription {
	return d.routing.Get(key, ctype, handler)
}

// Put performs a locally originated PUT of payload under key and
// ctype. There is no acknowledgment: the caller learns nothing beyond
// "the forward/cache decision was attempted."
func (d *DHT) Put(key Key, ctype uint32, payload []byte) {
	d.routing.Put(key, ctype, payload)
}

// AmClosest exposes PeerTable.am_closest for callers that want to
// predict caching behavior before issuing a PUT.
func (d *DHT) AmClosest(key Key) bool {
	return d.table.AmClosest(key)
}

// EstimateNetworkDiameter exposes the current diameter estimate.
func (d *DHT) EstimateNetworkDiameter() int {
	return d.table.EstimateNetworkDiameter()
}
