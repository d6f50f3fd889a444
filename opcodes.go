package pulse

// Gateway opcodes. Dispatch frames carry a sequence number and event name;
// all other opcodes are control traffic consumed by the session itself.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatACK   = 11
)

// Rate-limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

// Standard error messages
const (
	ErrMsgInvalidEnvelope   = "invalid envelope format"
	ErrMsgConnectionClosed  = "gateway connection is closed"
	ErrMsgAlreadyRunning    = "coordinator already running"
	ErrMsgNotRunning        = "coordinator not running"
	ErrMsgNoHello           = "expected hello as first envelope"
	ErrMsgHandshakeTimedOut = "handshake timed out"
)

// CloseCodePolicy classifies gateway close codes. The exact classification is
// platform configuration, not protocol logic: codes listed in Fatal stop the
// shard permanently, codes listed in NoResume force the next handshake to be
// a fresh identify, and every other code attempts a resume first.
type CloseCodePolicy struct {
	Fatal    map[int]bool
	NoResume map[int]bool
}

// DefaultCloseCodePolicy returns the classification for the platform's
// published close codes.
func DefaultCloseCodePolicy() CloseCodePolicy {
	return CloseCodePolicy{
		Fatal: map[int]bool{
			4004: true, // authentication failed
			4010: true, // invalid shard
			4011: true, // sharding required
			4012: true, // invalid API version
			4013: true, // invalid intents
			4014: true, // disallowed intents
		},
		NoResume: map[int]bool{
			4007: true, // invalid sequence
			4009: true, // session timed out
		},
	}
}

// Resumable reports whether a session that closed with the given code may
// attempt to resume. Fatal codes are never resumable.
func (p CloseCodePolicy) Resumable(code int) bool {
	return !p.Fatal[code] && !p.NoResume[code]
}
