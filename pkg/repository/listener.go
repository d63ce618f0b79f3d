package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// ApprovalListener yields every approval event published on the notify
// channel until closed. It owns a dedicated database connection: LISTEN
// must never share the transactional pool.
type ApprovalListener interface {
	// Events is the stream of decoded approval payloads. The channel closes
	// when the listener shuts down.
	Events() <-chan *models.ApprovalEvent

	// Close tears down the connection and stops the stream
	Close() error
}

type approvalListener struct {
	listener *pq.Listener
	logger   observability.Logger
	events   chan *models.ApprovalEvent
	done     chan struct{}
}

// NewApprovalListener opens a dedicated LISTEN connection on the approval
// channel and starts decoding notifications.
func NewApprovalListener(dsn string, logger observability.Logger) (ApprovalListener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("Approval listener connection event", map[string]interface{}{
				"event": int(ev),
				"error": err.Error(),
			})
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(ApprovalChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", ApprovalChannel, err)
	}

	l := &approvalListener{
		listener: listener,
		logger:   logger,
		events:   make(chan *models.ApprovalEvent, 64),
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *approvalListener) run() {
	defer close(l.events)

	pingTicker := time.NewTicker(90 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-l.done:
			return
		case notification, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// A nil notification signals a reconnect; notifications sent
			// while disconnected are lost, which is acceptable: the stream
			// is best-effort and the durable record lives in the tables.
			if notification == nil {
				l.logger.Info("Approval listener reconnected", nil)
				continue
			}

			var event models.ApprovalEvent
			if err := json.Unmarshal([]byte(notification.Extra), &event); err != nil {
				l.logger.Error("Failed to decode approval notification", map[string]interface{}{
					"error":   err.Error(),
					"payload": notification.Extra,
				})
				continue
			}

			select {
			case l.events <- &event:
			case <-l.done:
				return
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.Warn("Approval listener ping failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Events implements ApprovalListener
func (l *approvalListener) Events() <-chan *models.ApprovalEvent {
	return l.events
}

// Close implements ApprovalListener
func (l *approvalListener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	return l.listener.Close()
}
