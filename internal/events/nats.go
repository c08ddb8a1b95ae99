package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"buseta/internal/domain"
	"buseta/internal/metrics"
)

const (
	kindETA     = "eta"
	kindArrival = "arrival"
)

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher mirrors ETA and arrival updates onto NATS subjects
// <prefix>.eta.<line>.<stop> and <prefix>.arrival.<line>.<stop>.
type NATSPublisher struct {
	nc      *nats.Conn
	conn    conn
	prefix  string
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewNATSPublisher(url, prefix string, m *metrics.Collector, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("buseta"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := newPublisher(nc, prefix, m, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, m *metrics.Collector, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "buseta"
	}
	return &NATSPublisher{
		conn:    c,
		prefix:  subjectToken(prefix),
		metrics: m,
		logger:  logger,
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats drain failed", "error", err)
		}
		p.nc.Close()
	}
}

func (p *NATSPublisher) BroadcastETA(e *domain.ETA) {
	p.publish(kindETA, e.LineID, e.StopID, e)
}

func (p *NATSPublisher) BroadcastArrival(a *domain.StopArrival) {
	p.publish(kindArrival, a.LineID, a.StopID, a)
}

func (p *NATSPublisher) publish(kind, lineID, stopID string, v any) {
	subject := p.subject(kind, lineID, stopID)
	b, err := json.Marshal(v)
	if err == nil {
		err = p.conn.Publish(subject, b)
	}
	p.metrics.EventPublished(kind, err)
	if err != nil {
		p.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

func (p *NATSPublisher) subject(kind, lineID, stopID string) string {
	return fmt.Sprintf("%s.%s.%s.%s", p.prefix, kind, subjectToken(lineID), subjectToken(stopID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
