// Package dht implements the routing core of a Kademlia-style
// distributed hash table overlaid on an authenticated peer network: a
// self-maintaining neighbor table over a 512-bit identifier space
// (PeerTable) and a stateful GET/PUT/RESULT forwarding engine
// (Routing) that records enough state to deliver asynchronous replies
// back along a request's path.
//
// The encrypted transport and peer-authentication layer, the local
// content store, liveness checking and the peer-HELLO directory are
// external collaborators consumed through the narrow interfaces in
// collaborators.go; this package does not implement them.
package dht
