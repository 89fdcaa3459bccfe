package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/y-scope/spider-go/internal/core"
)

func pollTicker() *time.Ticker { return time.NewTicker(200 * time.Millisecond) }

// jobStatusSubject is the NATS subject a scheduler publishes to when a job
// reaches a terminal state (§6.6).
func jobStatusSubject(jobID uuid.UUID) string {
	return fmt.Sprintf("spider.job.%s.status", jobID)
}

// statusMessage is the payload published/consumed on jobStatusSubject.
type statusMessage struct {
	State core.JobState `json:"state"`
}

// NotificationSubscriber is the NATS surface Driver.WatchJob needs,
// satisfied by *nats.Conn. Grounded in libs/go/core/natsctx's publish/
// subscribe helpers, trimmed to Spider's single-subject use.
type NotificationSubscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSNotifier publishes job-status-changed events for a scheduler to use
// as its scheduler.Notifier implementation (§6.6).
type NATSNotifier struct {
	conn *nats.Conn
}

// NewNATSNotifier wraps an already-connected *nats.Conn.
func NewNATSNotifier(conn *nats.Conn) *NATSNotifier { return &NATSNotifier{conn: conn} }

// NotifyJobStatus publishes jobID's new terminal state. Errors are the
// caller's to log; per §6.6 this path must never be treated as
// authoritative.
func (n *NATSNotifier) NotifyJobStatus(ctx context.Context, jobID uuid.UUID, state core.JobState) error {
	payload, err := json.Marshal(statusMessage{State: state})
	if err != nil {
		return err
	}
	return n.conn.Publish(jobStatusSubject(jobID), payload)
}

// WatchJob subscribes to jobID's status subject and returns a channel that
// receives the terminal JobState published for the job. On the NATS path
// the channel buffers one state, drops further ones while that is unread,
// and is closed only when ctx is done. If d was constructed without a NATS
// connection, it falls back to polling GetJobStatus every 200ms so callers
// never need a nil check; both paths report the same terminal state and
// differ in observation latency.
func (d *Driver) WatchJob(ctx context.Context, jobID uuid.UUID) (<-chan core.JobState, error) {
	out := make(chan core.JobState, 1)

	if d.nats == nil {
		go d.pollUntilTerminal(ctx, jobID, out)
		return out, nil
	}

	sub, err := d.nats.Subscribe(jobStatusSubject(jobID), func(msg *nats.Msg) {
		var m statusMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return
		}
		select {
		case out <- m.State:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("client: subscribe job status: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

func (d *Driver) pollUntilTerminal(ctx context.Context, jobID uuid.UUID, out chan<- core.JobState) {
	defer close(out)
	ticker := pollTicker()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := d.meta.GetJobStatus(ctx, jobID)
			if err != nil {
				continue
			}
			switch state {
			case core.JobSuccess, core.JobFail, core.JobCancel:
				out <- state
				return
			}
		}
	}
}
