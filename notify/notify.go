// Package notify publishes upload progress as JSON messages on NATS subjects.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nats-io/nats.go"

	"github.com/udl-tools/go-uploadkit/upload"
)

// DefaultSubject is the subject prefix progress is published under.
const DefaultSubject = "uploadkit.progress"

// Publisher is the part of a NATS connection the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the payload of a progress notification.
type Message struct {
	// Event is the chunk event kind, or the terminal status for the last message of a job.
	Event    string          `json:"event"`
	Index    *int            `json:"index,omitempty"`
	Error    string          `json:"error,omitempty"`
	Snapshot upload.Snapshot `json:"snapshot"`
}

// Notifier publishes every progress update of a job on <subject>.<job id>.
type Notifier struct {
	publisher Publisher
	conn      *nats.Conn
	subject   string
	logger    log.Logger
}

// Connect dials the NATS server at url. The connection keeps reconnecting in the background.
func Connect(url, subject string, logger log.Logger) (*Notifier, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	n := New(nc, subject, logger)
	n.conn = nc
	return n, nil
}

// New ...
func New(publisher Publisher, subject string, logger log.Logger) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Notifier{publisher: publisher, subject: subject, logger: logger}
}

// Subject returns the subject updates of a job are published on.
func (n *Notifier) Subject(jobID string) string {
	return n.subject + "." + jobID
}

// Notify publishes one progress update.
func (n *Notifier) Notify(progress upload.Progress) error {
	msg := Message{Snapshot: progress.Snapshot}
	if progress.Event != nil {
		msg.Event = progress.Event.Kind.String()
		if progress.Event.Kind != upload.EventDone {
			index := progress.Event.Index
			msg.Index = &index
		}
		if progress.Event.Err != nil {
			msg.Error = progress.Event.Err.Error()
		}
	} else {
		msg.Event = string(progress.Snapshot.Status)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.publisher.Publish(n.Subject(progress.Snapshot.ID), data); err != nil {
		return fmt.Errorf("publish progress of job %s: %w", progress.Snapshot.ID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection opened by Connect.
func (n *Notifier) Close() {
	if n.conn != nil {
		if err := n.conn.Drain(); err != nil {
			n.logger.Warnf("Failed to drain NATS connection: %s", err)
		}
	}
}
