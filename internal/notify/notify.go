// Package notify publishes reconciliation results to NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/logging"
	"github.com/hpungsan/attrscope/internal/session"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "attrscope.state"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink publishes every pass it receives as JSON on one subject.
type Sink struct {
	pub     Publisher
	subject string
	log     *zap.Logger

	mu        sync.Mutex
	published int
	failed    int
}

// NewSink creates a sink over pub. An empty subject selects DefaultSubject.
func NewSink(pub Publisher, subject string, log *zap.Logger) *Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Sink{pub: pub, subject: subject, log: logging.OrNop(log)}
}

// Subject returns the subject passes are published on.
func (s *Sink) Subject() string {
	return s.subject
}

// Publish encodes st and publishes it.
func (s *Sink) Publish(st *session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

// Listener adapts the sink to a reconcile.Listener. Publish failures are
// logged and counted; they never stop the driver.
func (s *Sink) Listener() func(*session.State) {
	return func(st *session.State) {
		err := s.Publish(st)

		s.mu.Lock()
		if err != nil {
			s.failed++
		} else {
			s.published++
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("state not published", zap.Int("pass", st.Pass), zap.Error(err))
			return
		}
		s.log.Debug("state published", zap.String("subject", s.subject), zap.Int("pass", st.Pass))
	}
}

// Counts returns how many passes were published and how many failed.
func (s *Sink) Counts() (published, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.failed
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("attrscope"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
