package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/steveyegge/plugsync/internal/daemon"
)

// CycleData is the payload of cycle_complete and cycle_failed messages.
type CycleData struct {
	ID         string   `json:"id"`
	DurationMS int64    `json:"duration_ms"`
	Imported   []string `json:"imported,omitempty"`
	Changed    []string `json:"changed,omitempty"`
	Obsolete   []string `json:"obsolete,omitempty"`
	Downloaded []string `json:"downloaded,omitempty"`
	Pending    int      `json:"pending"`
	Error      string   `json:"error,omitempty"`
}

// Handler turns finished cycles into dashboard messages. It implements
// daemon.Observer.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an observer connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// CycleFinished broadcasts result to every connected client.
func (h *Handler) CycleFinished(result *daemon.CycleResult) {
	typ := MessageTypeCycleComplete
	if result.Failed() {
		typ = MessageTypeCycleFailed
	}

	msg, err := newMessage(typ, CycleData{
		ID:         result.ID,
		DurationMS: result.Duration.Milliseconds(),
		Imported:   result.Imported,
		Changed:    result.Changed,
		Obsolete:   result.Obsolete,
		Downloaded: result.Downloaded,
		Pending:    result.Pending,
		Error:      result.Error,
	})
	if err != nil {
		h.logger.Printf("Failed to marshal cycle data: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

func newMessage(typ MessageType, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

var _ daemon.Observer = (*Handler)(nil)
