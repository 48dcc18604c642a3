// Package ws provides WebSocket connection handling and message relay for
// collaboration sessions.
//
// The package implements:
//   - Hub: the room for one session, holding its participant connections
//   - HubManager: manages hubs across sessions
//   - Handler: upgrades connections, validates and relays protocol envelopes
//   - Service: room lifecycle, session bookkeeping, metrics, bridge wiring
//   - Bridge: cross-instance fanout over Redis pub/sub
//
// Key behaviors:
//   - Peer relay without echo: a participant never receives its own events
//   - Presence snapshot: newcomers receive a join for every current participant
//   - Leave synthesis: dropped connections still produce a leave for peers
//   - Edit replay: the recent edit tail is replayed to late joiners
package ws
