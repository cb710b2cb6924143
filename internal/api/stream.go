package api

import (
	"sync"
	"time"

	"truthlens/backend/internal/classifier"
)

// Event types beyond the trainer's own progress events.
const (
	eventError     = "error"
	eventCancelled = "cancelled"
	eventReloaded  = "reloaded"
)

// TrainingEvent describes websocket payloads emitted during training runs.
type TrainingEvent struct {
	Type         string    `json:"type"`
	JobID        string    `json:"job_id"`
	Epoch        int       `json:"epoch,omitempty"`
	Epochs       int       `json:"epochs,omitempty"`
	Step         int       `json:"step,omitempty"`
	TotalSteps   int       `json:"total_steps,omitempty"`
	Loss         float64   `json:"loss,omitempty"`
	LearningRate float64   `json:"learning_rate,omitempty"`
	EvalLoss     float64   `json:"eval_loss,omitempty"`
	EvalAccuracy float64   `json:"eval_accuracy,omitempty"`
	Version      string    `json:"version,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func eventFromTrainer(jobID string, ev classifier.TrainEvent) TrainingEvent {
	return TrainingEvent{
		Type:         string(ev.Type),
		JobID:        jobID,
		Epoch:        ev.Epoch,
		Epochs:       ev.Epochs,
		Step:         ev.Step,
		TotalSteps:   ev.TotalSteps,
		Loss:         ev.Loss,
		LearningRate: ev.LearningRate,
		EvalLoss:     ev.EvalLoss,
		EvalAccuracy: ev.EvalAccuracy,
		Version:      ev.Version,
	}
}

const (
	clientBuffer = 32
	writeTimeout = 10 * time.Second
)

// eventConn is the part of a websocket connection the notifier writes to.
type eventConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	Close() error
}

// wsClient owns a buffered queue drained by its own writer goroutine, so a
// slow socket never holds up the trainer.
type wsClient struct {
	conn eventConn
	send chan TrainingEvent
	once sync.Once
}

func newClient(conn eventConn) *wsClient {
	c := &wsClient{conn: conn, send: make(chan TrainingEvent, clientBuffer)}
	go c.writeLoop()
	return c
}

func (c *wsClient) writeLoop() {
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(event); err != nil {
			_ = c.conn.Close()
			// keep consuming until the notifier lets go of the client
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.Close()
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.send) })
}

// TrainingNotifier fans training events out to websocket clients and keeps
// the latest one for late joiners and the status endpoint.
type TrainingNotifier struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    *TrainingEvent
}

// NewTrainingNotifier constructs a notifier instance.
func NewTrainingNotifier() *TrainingNotifier {
	return &TrainingNotifier{clients: make(map[*wsClient]struct{})}
}

// Register attaches a connection and queues the last event for it.
func (n *TrainingNotifier) Register(conn eventConn) *wsClient {
	client := newClient(conn)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[client] = struct{}{}
	if n.last != nil {
		client.send <- *n.last
	}
	return client
}

// Unregister detaches the client; its writer closes the socket once the
// queue is flushed.
func (n *TrainingNotifier) Unregister(client *wsClient) {
	if client == nil {
		return
	}
	n.mu.Lock()
	delete(n.clients, client)
	n.mu.Unlock()
	client.stop()
}

// Broadcast queues event for every registered client without blocking.
// Clients whose queue is full are dropped.
func (n *TrainingNotifier) Broadcast(event TrainingEvent) {
	event.Timestamp = time.Now().UTC()

	n.mu.Lock()
	defer n.mu.Unlock()
	snapshot := event
	n.last = &snapshot
	for client := range n.clients {
		select {
		case client.send <- event:
		default:
			delete(n.clients, client)
			client.stop()
		}
	}
}

// Clients reports how many connections are attached.
func (n *TrainingNotifier) Clients() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

// LastEvent returns a copy of the most recent event, if any.
func (n *TrainingNotifier) LastEvent() *TrainingEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return nil
	}
	ev := *n.last
	return &ev
}
