// Package pulse provides a sharded client core for real-time chat platforms:
// persistent gateway sessions with automatic resume, and a header-driven rate
// limiter for the companion REST API.
//
// This library implements the hard parts of a platform client: the
// per-connection handshake/heartbeat/resume state machine, a shard
// coordinator that respects the platform's identify-concurrency budget, and
// an outbound request pipeline that never exceeds server-advertised quotas.
// Domain object caching, typed resource models, and command frameworks are
// deliberately left to the embedding application.
//
// # Architecture
//
// One gateway session runs per shard. Each session owns a single WebSocket
// connection and a single control loop: inbound frames and the heartbeat
// timer interleave on one goroutine, so session state is never shared.
// Decoded dispatch payloads flow to an EventBus in receipt order. REST calls
// flow the other way through a request executor that acquires a rate-limit
// permit per route bucket before touching the wire.
//
// # Quick Start
//
//	import (
//	    "github.com/pulsecord/pulse"
//	    "github.com/pulsecord/pulse/gate"
//	)
//
//	client, err := gate.New(token,
//	    gate.WithShardCount(gate.AutoShards),
//	    gate.WithIntents(gate.IntentGuilds|gate.IntentGuildMessages),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.On("MESSAGE_CREATE", func(shardID int, seq int64, body []byte) {
//	    // decode and handle the payload
//	})
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(context.Background())
//
//	if err := client.AwaitReady(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Gateway Protocol
//
// Frames are JSON envelopes:
//
//	{"op": <opcode>, "s": <sequence>, "t": <event name>, "d": <payload>}
//
// The session performs the hello/identify (or resume) handshake, then
// heartbeats at the server-given interval. A heartbeat that is never
// acknowledged marks the connection as a zombie and forces a reconnect.
// Whether the next handshake resumes or starts fresh is decided by the
// close code, classified through a configurable CloseCodePolicy.
//
// # Rate Limiting
//
// Every REST route maps to a bucket (method + route template + major
// parameter). Buckets start with an optimistic capacity of one and are
// refreshed from each response's rate-limit headers. Acquisition under a
// bucket is FIFO; distinct buckets proceed in parallel. A process-wide
// throttle sits above all buckets and honors global rejections.
//
// Explicit 429 responses are retried automatically after the server-given
// delay, 5xx and transport failures with exponential backoff, both under a
// bounded attempt budget. Other 4xx responses surface immediately as
// *APIError.
//
// # Sharding
//
// The coordinator computes or queries the shard count, starts one session
// per shard, and lends identify tickets so that at most max_concurrency
// sessions perform their initial handshake simultaneously. A shard whose
// close code is fatal (bad credentials, disallowed intents) stops the whole
// client with a *FatalError; everything else reconnects transparently.
//
// # Important
//
//   - Payload bodies passed to EventBus handlers are only valid for the
//     duration of the call; copy them if they outlive the handler.
//   - Handlers run on the session's receive loop. Slow handlers delay
//     subsequent events on that shard.
package pulse
