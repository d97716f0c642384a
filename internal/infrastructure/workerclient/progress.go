package workerclient

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/smilemakc/workforge/internal/domain"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 90 * time.Second
	// wsKeepaliveInterval is how often a ping control frame is sent on an
	// otherwise idle progress socket, so intermediate proxies don't drop
	// the connection before the read deadline would notice.
	wsKeepaliveInterval = 20 * time.Second
	wsWriteTimeout      = 10 * time.Second
)

// wsEnvelope is the outer shape of every event a worker's progress socket
// emits: a type tag plus a type-specific data payload.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Value    float64 `json:"value"`
	Max      float64 `json:"max"`
	PromptID string  `json:"prompt_id"`
	Node     string  `json:"node"`
}

type executedData struct {
	PromptID         string `json:"prompt_id"`
	Node             string `json:"node"`
	ExceptionMessage string `json:"exception_message"`
}

// Tracker maintains one
// domain.ProgressRecord per prompt_id, fed by a per-node goroutine that
// dials out to that node's websocket endpoint. A transport failure on the
// socket never fails the jobs it was tracking — it only flips their
// records to WithDisconnected so polling clients see a stalled, not
// failed, progress bar until the scheduler's own poll loop reconciles
// the job from history.
type Tracker struct {
	mu      sync.Mutex
	records map[string]domain.ProgressRecord
	nodeOf  map[string]string
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]domain.ProgressRecord),
		nodeOf:  make(map[string]string),
	}
}

// Begin registers a prompt as in-flight on the given node before dispatch,
// so a later disconnect on that node's socket can find it.
func (t *Tracker) Begin(promptID, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[promptID] = domain.ProgressRecord{
		PromptID:  promptID,
		Status:    domain.ProgressStatusRunning,
		UpdatedAt: time.Now(),
	}
	t.nodeOf[promptID] = nodeID
}

// Forget drops a prompt's record once the scheduler has reconciled its
// terminal outcome from worker history.
func (t *Tracker) Forget(promptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, promptID)
	delete(t.nodeOf, promptID)
}

// Get returns the current record for a prompt, if tracked.
func (t *Tracker) Get(promptID string) (domain.ProgressRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[promptID]
	return r, ok
}

func (t *Tracker) update(promptID string, fn func(domain.ProgressRecord) domain.ProgressRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[promptID]
	if !ok {
		r = domain.ProgressRecord{PromptID: promptID}
	}
	t.records[promptID] = fn(r)
}

func (t *Tracker) disconnectNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for promptID, owner := range t.nodeOf {
		if owner != nodeID {
			continue
		}
		if r, ok := t.records[promptID]; ok {
			t.records[promptID] = r.WithDisconnected()
		}
	}
}

// Watch dials one node's progress socket and blocks, feeding the tracker
// until ctx is canceled or the connection drops. Callers run it in its
// own goroutine per node and redial on return, typically with backoff.
func (t *Tracker) Watch(ctx context.Context, nodeID, baseWSURL string) error {
	url := strings.TrimRight(baseWSURL, "/") + "/ws?clientId=" + uuid.NewString()

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		t.disconnectNode(nodeID)
		return err
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	done := make(chan struct{})
	go func() {
		keepalive := time.NewTicker(wsKeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-keepalive.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.disconnectNode(nodeID)
			return err
		}
		t.handleMessage(msg)
	}
}

func (t *Tracker) handleMessage(msg []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Debug().Err(err).Msg("progress socket sent a non-envelope message")
		return
	}

	switch env.Type {
	case "progress":
		var d progressData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.PromptID == "" {
			return
		}
		t.update(d.PromptID, func(r domain.ProgressRecord) domain.ProgressRecord {
			r.NodeID = d.Node
			return r.WithValueMax(d.Value, d.Max)
		})

	case "executed", "execution_success", "done":
		var d executedData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.PromptID == "" {
			return
		}
		t.update(d.PromptID, func(r domain.ProgressRecord) domain.ProgressRecord {
			return r.WithDone()
		})

	case "execution_error", "error":
		var d executedData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.PromptID == "" {
			return
		}
		t.update(d.PromptID, func(r domain.ProgressRecord) domain.ProgressRecord {
			return r.WithError(d.ExceptionMessage)
		})
	}
}
