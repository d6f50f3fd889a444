package e2e_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// frame mirrors the gateway wire envelope.
type frame struct {
	Op    int             `json:"op"`
	Seq   int64           `json:"s,omitempty"`
	Event string          `json:"t,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opResume       = 6
	opHello        = 10
	opHeartbeatAck = 11
)

// gatewayServer is an in-process platform gateway over real WebSockets.
// Each connection gets a hello on accept; identifies are acknowledged with
// READY after readyDelay, resumes with RESUMED immediately.
type gatewayServer struct {
	t          *testing.T
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	readyDelay time.Duration

	mu             sync.Mutex
	nextSession    int
	identifying    int
	maxIdentifying int
	identifyOrder  []int // shard ids in identify arrival order
	resumes        []resumeReq
	conns          []*serverConn
}

type resumeReq struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type identifyReq struct {
	Token string `json:"token"`
	Shard [2]int `json:"shard"`
}

type serverConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newGatewayServer(t *testing.T, readyDelay time.Duration) *gatewayServer {
	g := &gatewayServer{t: t, readyDelay: readyDelay}
	g.srv = httptest.NewServer(http.HandlerFunc(g.accept))
	t.Cleanup(g.srv.Close)
	return g
}

// URL returns the ws:// address of the server.
func (g *gatewayServer) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *gatewayServer) accept(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{ws: ws}
	g.mu.Lock()
	g.conns = append(g.conns, c)
	g.mu.Unlock()
	go g.serve(c)
}

func (g *gatewayServer) serve(c *serverConn) {
	c.send(&frame{Op: opHello, Data: mustJSON(map[string]any{"heartbeat_interval": 45000.0})})

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case opIdentify:
			var id identifyReq
			json.Unmarshal(f.Data, &id)

			g.mu.Lock()
			g.identifying++
			if g.identifying > g.maxIdentifying {
				g.maxIdentifying = g.identifying
			}
			g.identifyOrder = append(g.identifyOrder, id.Shard[0])
			g.mu.Unlock()

			time.Sleep(g.readyDelay)

			g.mu.Lock()
			g.identifying--
			g.nextSession++
			sid := fmt.Sprintf("sess-%d", g.nextSession)
			g.mu.Unlock()

			c.send(&frame{Op: opDispatch, Seq: 1, Event: "READY", Data: mustJSON(map[string]any{
				"session_id":         sid,
				"resume_gateway_url": g.URL(),
			})})
		case opResume:
			var r resumeReq
			json.Unmarshal(f.Data, &r)
			g.mu.Lock()
			g.resumes = append(g.resumes, r)
			g.mu.Unlock()

			c.send(&frame{Op: opDispatch, Seq: r.Seq + 1, Event: "RESUMED", Data: []byte(`{}`)})
		case opHeartbeat:
			c.send(&frame{Op: opHeartbeatAck})
		}
	}
}

// broadcast pushes one dispatch to every live connection.
func (g *gatewayServer) broadcast(seq int64, event, body string) {
	g.mu.Lock()
	conns := append([]*serverConn(nil), g.conns...)
	g.mu.Unlock()
	for _, c := range conns {
		c.send(&frame{Op: opDispatch, Seq: seq, Event: event, Data: []byte(body)})
	}
}

// closeAll closes every live connection with the given close code.
func (g *gatewayServer) closeAll(code int) {
	g.mu.Lock()
	conns := append([]*serverConn(nil), g.conns...)
	g.mu.Unlock()
	for _, c := range conns {
		c.close(code)
	}
}

func (g *gatewayServer) stats() (maxIdentifying int, order []int, resumes []resumeReq) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxIdentifying, append([]int(nil), g.identifyOrder...), append([]resumeReq(nil), g.resumes...)
}

func (c *serverConn) send(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ws.WriteJSON(f)
}

func (c *serverConn) close(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.ws.Close()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// apiCall records one request the API server observed.
type apiCall struct {
	method string
	path   string
	at     time.Time
}

// apiResponse scripts one response.
type apiResponse struct {
	status int
	body   string
	header map[string]string
}

// apiServer is an httptest REST endpoint serving connection info plus a
// scripted response sequence for everything else.
type apiServer struct {
	srv        *httptest.Server
	gatewayURL string
	shards     int
	maxConc    int

	mu     sync.Mutex
	script []apiResponse
	calls  []apiCall
}

func newAPIServer(t *testing.T, gatewayURL string, shards, maxConc int) *apiServer {
	a := &apiServer{gatewayURL: gatewayURL, shards: shards, maxConc: maxConc}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *apiServer) URL() string { return a.srv.URL }

func (a *apiServer) respond(rs ...apiResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, rs...)
}

func (a *apiServer) observed() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func (a *apiServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/gateway/bot" {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":%q,"shards":%d,"session_start_limit":{"total":1000,"remaining":999,"max_concurrency":%d}}`,
			a.gatewayURL, a.shards, a.maxConc)
		return
	}

	a.mu.Lock()
	a.calls = append(a.calls, apiCall{method: r.Method, path: r.URL.Path, at: time.Now()})
	var resp apiResponse
	if len(a.script) > 0 {
		resp = a.script[0]
		a.script = a.script[1:]
	} else {
		resp = apiResponse{status: 200, body: `{}`}
	}
	a.mu.Unlock()

	for k, v := range resp.header {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	fmt.Fprint(w, resp.body)
}
