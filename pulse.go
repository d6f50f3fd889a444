package pulse

import "context"

// EventBus receives decoded dispatch payloads from gateway sessions.
//
// OnEnvelope is invoked once per forwarded dispatch, in per-shard receipt
// order. Implementations must not block for long; the calling session's
// receive loop waits for the call to return before processing the next frame.
//
// OnSessionReset is invoked when a shard abandons its previous session and
// performs a fresh handshake instead of a resume. Consumers holding state
// derived from that shard's event stream (caches, presence tables) should
// discard it; events received after the reset describe a new session.
type EventBus interface {
	// OnEnvelope delivers one dispatch payload.
	//
	// Parameters:
	//   - shardID: index of the shard the payload arrived on
	//   - event: the dispatch event name (e.g. "MESSAGE_CREATE")
	//   - seq: the gateway sequence number of the dispatch
	//   - body: the raw payload body; valid only for the duration of the call
	OnEnvelope(shardID int, event string, seq int64, body []byte)

	// OnSessionReset signals that the shard's session state was discarded.
	OnSessionReset(shardID int)
}

// EventBusFunc adapts a plain function to the EventBus interface.
// Session resets are ignored.
type EventBusFunc func(shardID int, event string, seq int64, body []byte)

// OnEnvelope calls f.
func (f EventBusFunc) OnEnvelope(shardID int, event string, seq int64, body []byte) {
	f(shardID, event, seq, body)
}

// OnSessionReset implements EventBus as a no-op.
func (f EventBusFunc) OnSessionReset(shardID int) {}

// Coordinator manages the full set of gateway sessions for one credential.
//
// Example usage:
//
//	import "github.com/pulsecord/pulse/gate"
//
//	client, err := gate.New(token, gate.WithShardCount(2))
//	if err != nil { ... }
//
//	if err := client.Start(ctx); err != nil { ... }
//	defer client.Stop(context.Background())
//
//	if err := client.AwaitReady(ctx); err != nil { ... }
type Coordinator interface {
	// Start resolves the shard count (querying the platform when configured
	// as automatic), spawns one gateway session per shard, and returns once
	// all sessions have been launched. Sessions connect and identify in the
	// background, subject to the platform's identify-concurrency budget.
	//
	// Returns an error if the coordinator is already running or if the shard
	// count could not be resolved.
	Start(ctx context.Context) error

	// Stop signals every session to close its connection and waits for them
	// to wind down. Safe to call more than once.
	Stop(ctx context.Context) error

	// AwaitReady blocks until every shard has completed its first handshake,
	// a fatal error occurs, or the context is cancelled. After it returns
	// nil, all shards have been Connected at least once; individual shards
	// may still reconnect transparently afterwards.
	AwaitReady(ctx context.Context) error
}
