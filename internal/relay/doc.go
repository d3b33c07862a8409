// Package relay implements the client side of the peer subscribe/stream
// protocol: one persistent websocket per configured relay, a pending
// subscription table per connection resolved by a single read loop, and a
// pool that selects the least-loaded connection and retries failed
// identities elsewhere. Load on any one relay is bounded by a per-connection
// in-flight cap and an adaptive inter-request delay.
package relay
