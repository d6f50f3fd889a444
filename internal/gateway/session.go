// Package gateway drives one shard's connection state machine: handshake,
// heartbeating, resuming, and reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsecord/pulse"
	"github.com/pulsecord/pulse/internal/backoff"
	"github.com/pulsecord/pulse/internal/envelope"
)

// State is the session's position in the connection state machine.
type State int32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateAwaitingHeartbeatAck
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateAwaitingHeartbeatAck:
		return "awaiting-heartbeat-ack"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// closeCodeReconnect is sent on self-initiated abrupt closes (zombie
// connection, server reconnect request) so the server keeps the session
// alive for a resume. Codes 1000 and 1001 would invalidate it.
const closeCodeReconnect = 4000

// Ticketer lends identify tickets. At most N sessions hold one at any
// instant; acquisition is FIFO-fair and context-aware.
type Ticketer interface {
	AcquireTicket(ctx context.Context) (release func(), err error)
}

// Config defines one session.
type Config struct {
	ShardID    int
	ShardCount int
	Token      string
	Intents    int
	GatewayURL string
	Properties Properties
	Policy     pulse.CloseCodePolicy

	// HandshakeTimeout bounds the wait for the server's hello
	HandshakeTimeout time.Duration
	// MaxConsecutiveFailures bounds reconnect attempts that never reach a
	// completed handshake before the shard is declared dead
	MaxConsecutiveFailures int
	// OnReady is invoked every time the session completes a handshake
	OnReady func(shardID int)
}

// DefaultConfig returns a session configuration for one shard.
func DefaultConfig(shardID, shardCount int, token, url string) *Config {
	return &Config{
		ShardID:                shardID,
		ShardCount:             shardCount,
		Token:                  token,
		GatewayURL:             url,
		Properties:             Properties{OS: "linux", Browser: "pulse", Device: "pulse"},
		Policy:                 pulse.DefaultCloseCodePolicy(),
		HandshakeTimeout:       30 * time.Second,
		MaxConsecutiveFailures: 10,
	}
}

// Session owns one shard's gateway connection. All session state is mutated
// only by the Run loop; there is no cross-session sharing.
type Session struct {
	cfg     Config
	dialer  Dialer
	bus     pulse.EventBus
	tickets Ticketer
	clk     clock.Clock
	log     *zap.Logger
	bo      *backoff.Backoff

	state atomic.Int32

	// owned by the Run loop
	seq       int64
	sessionID string
	resumeURL string
	resumable bool

	// jitterFn spreads the first heartbeat; replaced in tests
	jitterFn func() float64
}

// New creates a session. The zero values of clk and log default to the real
// clock and a nop logger.
func New(cfg *Config, dialer Dialer, bus pulse.EventBus, tickets Ticketer, clk clock.Clock, log *zap.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Session{
		cfg:      *cfg,
		dialer:   dialer,
		bus:      bus,
		tickets:  tickets,
		clk:      clk,
		log:      log.With(zap.Int("shard", cfg.ShardID)),
		bo:       backoff.New(time.Second, time.Minute),
		jitterFn: rand.Float64,
	}
}

// State returns the current FSM state. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Seq returns the last forwarded sequence number. Safe only from the Run
// goroutine or after Run returns; exposed for the coordinator's snapshots.
func (s *Session) Seq() int64 {
	return atomic.LoadInt64(&s.seq)
}

// SessionID returns the server-assigned session id, if any.
func (s *Session) SessionID() string {
	return s.sessionID
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the session until the context is cancelled or a fatal failure
// occurs. Recoverable failures reconnect transparently with backoff; only
// fatal classifications are returned.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	failures := 0
	for {
		ready, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var ce *pulse.CloseError
		if errors.As(err, &ce) && s.cfg.Policy.Fatal[ce.Code] {
			s.log.Error("fatal close code, stopping", zap.Int("code", ce.Code))
			return &pulse.FatalError{ShardID: s.cfg.ShardID, Err: ce}
		}

		if ready {
			failures = 0
			s.bo.Reset()
		} else {
			failures++
			if failures > s.cfg.MaxConsecutiveFailures {
				s.log.Error("reconnect budget exhausted", zap.Int("failures", failures))
				return &pulse.FatalError{
					ShardID: s.cfg.ShardID,
					Err:     fmt.Errorf("reconnect budget exhausted: %w", err),
				}
			}
		}

		d := s.bo.Next()
		s.log.Info("reconnecting",
			zap.Duration("backoff", d),
			zap.Bool("resume", s.resumable && s.sessionID != ""),
			zap.Error(err))

		t := s.clk.Timer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// runOnce runs one connection lifetime: dial, handshake, receive loop.
// It reports whether the handshake completed and why the connection ended.
func (s *Session) runOnce(ctx context.Context) (ready bool, err error) {
	s.setState(StateConnecting)

	resuming := s.resumable && s.sessionID != ""
	url := s.cfg.GatewayURL
	if resuming && s.resumeURL != "" {
		url = s.resumeURL
	}

	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return false, fmt.Errorf("%w: %v", pulse.ErrTransient, err)
	}
	defer conn.Close(closeCodeReconnect, "")

	frames := make(chan *envelope.Envelope)
	readErr := make(chan error, 1)
	pumpDone := make(chan struct{})
	defer close(pumpDone)

	go func() {
		for {
			env, rerr := conn.Read()
			if rerr != nil {
				readErr <- rerr
				return
			}
			select {
			case frames <- env:
			case <-pumpDone:
				return
			}
		}
	}()

	// hello carries the heartbeat interval
	s.setState(StateAwaitingHello)
	interval, err := s.awaitHello(ctx, conn, frames, readErr)
	if err != nil {
		return false, err
	}

	// identify needs a ticket; resume does not. The ticket is held until the
	// server acknowledges the handshake so at most N handshakes are in
	// flight platform-wide.
	var releaseTicket func()
	release := func() {
		if releaseTicket != nil {
			releaseTicket()
			releaseTicket = nil
		}
	}
	defer release()

	if resuming {
		s.setState(StateResuming)
		err = conn.Write(&envelope.Envelope{Op: pulse.OpResume, Data: mustJSON(resumeData{
			Token:     s.cfg.Token,
			SessionID: s.sessionID,
			Seq:       s.Seq(),
		})})
	} else {
		s.setState(StateIdentifying)
		releaseTicket, err = s.tickets.AcquireTicket(ctx)
		if err != nil {
			return false, err
		}
		atomic.StoreInt64(&s.seq, 0) // fresh handshake: sequence unknown
		err = conn.Write(&envelope.Envelope{Op: pulse.OpIdentify, Data: mustJSON(identifyData{
			Token:      s.cfg.Token,
			Intents:    s.cfg.Intents,
			Shard:      [2]int{s.cfg.ShardID, s.cfg.ShardCount},
			Properties: s.cfg.Properties,
		})})
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", pulse.ErrTransient, err)
	}

	// first heartbeat fires after a jittered fraction of the interval
	hb := s.clk.Timer(time.Duration(s.jitterFn() * float64(interval)))
	defer hb.Stop()
	ackPending := false

	for {
		select {
		case env := <-frames:
			done, herr := s.handle(conn, env, &ackPending, &ready, release)
			if done {
				return ready, herr
			}

		case <-hb.C:
			if ackPending {
				// zombie: open but unresponsive
				s.log.Warn("heartbeat not acknowledged, closing")
				s.setState(StateClosing)
				s.resumable = true
				conn.Close(closeCodeReconnect, "heartbeat ack timeout")
				return ready, fmt.Errorf("%w: zombie connection", pulse.ErrTransient)
			}
			if werr := s.sendHeartbeat(conn); werr != nil {
				return ready, fmt.Errorf("%w: %v", pulse.ErrTransient, werr)
			}
			ackPending = true
			if s.State() == StateConnected {
				s.setState(StateAwaitingHeartbeatAck)
			}
			hb.Reset(interval)

		case rerr := <-readErr:
			return ready, s.classifyClose(rerr)

		case <-ctx.Done():
			s.setState(StateClosing)
			conn.Close(websocket.CloseNormalClosure, "")
			return ready, ctx.Err()
		}
	}
}

// awaitHello reads the server's first control envelope.
func (s *Session) awaitHello(ctx context.Context, conn Conn, frames <-chan *envelope.Envelope, readErr <-chan error) (time.Duration, error) {
	ht := s.clk.Timer(s.cfg.HandshakeTimeout)
	defer ht.Stop()

	select {
	case env := <-frames:
		if env.Op != pulse.OpHello {
			return 0, fmt.Errorf("%s: got op %d", pulse.ErrMsgNoHello, env.Op)
		}
		var hello helloData
		if err := json.Unmarshal(env.Data, &hello); err != nil {
			return 0, fmt.Errorf("%s: %w", pulse.ErrMsgInvalidEnvelope, err)
		}
		if hello.HeartbeatInterval <= 0 {
			return 0, fmt.Errorf("%s: non-positive heartbeat interval", pulse.ErrMsgInvalidEnvelope)
		}
		return time.Duration(hello.HeartbeatInterval * float64(time.Millisecond)), nil
	case err := <-readErr:
		return 0, s.classifyClose(err)
	case <-ht.C:
		return 0, fmt.Errorf("%w: %s", pulse.ErrTransient, pulse.ErrMsgHandshakeTimedOut)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handle processes one inbound envelope. It returns done=true when the
// connection must be torn down.
func (s *Session) handle(conn Conn, env *envelope.Envelope, ackPending *bool, ready *bool, release func()) (done bool, err error) {
	switch env.Op {
	case pulse.OpDispatch:
		// the stored sequence advances before the envelope is forwarded, so
		// a resume always requests replay strictly after the last forwarded
		// event
		if env.Seq > s.Seq() {
			atomic.StoreInt64(&s.seq, env.Seq)
		}

		switch env.Event {
		case "READY":
			var rd readyData
			if jerr := json.Unmarshal(env.Data, &rd); jerr == nil {
				s.sessionID = rd.SessionID
				s.resumeURL = rd.ResumeGatewayURL
			}
			s.resumable = true
			s.markReady(ready, release)
		case "RESUMED":
			s.markReady(ready, release)
		}

		s.bus.OnEnvelope(s.cfg.ShardID, env.Event, env.Seq, env.Data)
		return false, nil

	case pulse.OpHeartbeat:
		// the server may request an immediate beat
		if werr := s.sendHeartbeat(conn); werr != nil {
			return true, fmt.Errorf("%w: %v", pulse.ErrTransient, werr)
		}
		return false, nil

	case pulse.OpHeartbeatACK:
		*ackPending = false
		if s.State() == StateAwaitingHeartbeatAck {
			s.setState(StateConnected)
		}
		return false, nil

	case pulse.OpReconnect:
		s.log.Info("server requested reconnect")
		s.setState(StateClosing)
		s.resumable = true
		conn.Close(closeCodeReconnect, "reconnect requested")
		return true, fmt.Errorf("%w: reconnect requested", pulse.ErrTransient)

	case pulse.OpInvalidSession:
		var canResume bool
		_ = json.Unmarshal(env.Data, &canResume)
		s.log.Info("session invalidated", zap.Bool("resumable", canResume))
		s.setState(StateClosing)
		if canResume {
			s.resumable = true
		} else {
			s.reset()
		}
		conn.Close(closeCodeReconnect, "session invalidated")
		return true, fmt.Errorf("%w (resumable=%v)", pulse.ErrSessionInvalidated, canResume)

	default:
		s.log.Debug("ignoring unknown opcode", zap.Int("op", env.Op))
		return false, nil
	}
}

// markReady records a completed handshake, returns the identify ticket, and
// notifies the coordinator.
func (s *Session) markReady(ready *bool, release func()) {
	*ready = true
	s.setState(StateConnected)
	release()
	s.log.Info("handshake complete", zap.String("session_id", s.sessionID))
	if s.cfg.OnReady != nil {
		s.cfg.OnReady(s.cfg.ShardID)
	}
}

// classifyClose maps a read failure to the retry policy: fatal codes stop
// the shard, no-resume codes discard session state, everything else
// attempts a resume first.
func (s *Session) classifyClose(err error) error {
	var ce *pulse.CloseError
	if errors.As(err, &ce) {
		ce.Resumable = s.cfg.Policy.Resumable(ce.Code)
		if s.cfg.Policy.Fatal[ce.Code] {
			s.resumable = false
			return ce
		}
		if !ce.Resumable {
			s.reset()
		} else {
			s.resumable = true
		}
		return ce
	}
	// abrupt transport failure: resume first
	s.resumable = true
	return fmt.Errorf("%w: %v", pulse.ErrTransient, err)
}

// reset discards session state so the next handshake is a fresh identify,
// and tells the bus that derived state is stale.
func (s *Session) reset() {
	s.resumable = false
	s.sessionID = ""
	s.resumeURL = ""
	atomic.StoreInt64(&s.seq, 0)
	s.bus.OnSessionReset(s.cfg.ShardID)
}

func (s *Session) sendHeartbeat(conn Conn) error {
	return conn.Write(&envelope.Envelope{Op: pulse.OpHeartbeat, Data: mustJSON(s.Seq())})
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // marshalling library-owned types cannot fail
	}
	return data
}
