// Package notify delivers review requests and deployment hand-offs to the
// outside world: signed webhooks, NATS subjects, or the process log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"wavecrew/internal/domain"
)

const (
	EventReviewRequested     = "review.requested"
	EventDeploymentRequested = "deployment.requested"
)

// Channel delivers one event. Delivery is acceptance only; nothing waits for
// the receiver to act on it.
type Channel interface {
	Name() string
	Send(ctx context.Context, event string, payload any) error
}

type Config struct {
	WebhookURL        string
	WebhookSecret     string
	NATSSubject       string
	DeployWebhookURL  string
	DeployNATSSubject string
	Timeout           time.Duration
}

// Dispatcher fans events out to every configured channel. It implements both
// the orchestrator's Notifier and Deployer.
type Dispatcher struct {
	review []Channel
	deploy []Channel
	logger *log.Logger
}

// New builds the channels named in cfg. pub may be nil when no NATS subject
// is configured. With nothing configured, events go to the log.
func New(cfg Config, pub Publisher, logger *log.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{logger: logger}

	if u := strings.TrimSpace(cfg.WebhookURL); u != "" {
		w, err := NewWebhook(u, cfg.WebhookSecret, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("review webhook: %w", err)
		}
		d.review = append(d.review, w)
	}
	if u := strings.TrimSpace(cfg.DeployWebhookURL); u != "" {
		w, err := NewWebhook(u, cfg.WebhookSecret, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("deploy webhook: %w", err)
		}
		d.deploy = append(d.deploy, w)
	}
	for _, pair := range []struct {
		subject string
		into    *[]Channel
	}{
		{cfg.NATSSubject, &d.review},
		{cfg.DeployNATSSubject, &d.deploy},
	} {
		subject := strings.TrimSpace(pair.subject)
		if subject == "" {
			continue
		}
		if pub == nil {
			return nil, fmt.Errorf("nats subject %q configured without a nats connection", subject)
		}
		*pair.into = append(*pair.into, NewNATS(pub, subject))
	}

	if len(d.review) == 0 {
		d.review = []Channel{NewLog(logger)}
	}
	if len(d.deploy) == 0 {
		d.deploy = []Channel{NewLog(logger)}
	}
	return d, nil
}

// NewDispatcher wires explicit channels; used by tests and embedders.
func NewDispatcher(review, deploy []Channel, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{review: review, deploy: deploy, logger: logger}
}

func (d *Dispatcher) NotifyReviewRequested(ctx context.Context, ev domain.NotificationEvent) error {
	return d.fanOut(ctx, d.review, EventReviewRequested, ev)
}

func (d *Dispatcher) RequestDeployment(ctx context.Context, ev domain.DeploymentEvent) error {
	return d.fanOut(ctx, d.deploy, EventDeploymentRequested, ev)
}

// fanOut tries every channel and fails if any of them failed.
func (d *Dispatcher) fanOut(ctx context.Context, channels []Channel, event string, payload any) error {
	var errs []error
	for _, ch := range channels {
		if err := ch.Send(ctx, event, payload); err != nil {
			d.logger.Printf("notify %s via %s failed: %v", event, ch.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

type Log struct {
	logger *log.Logger
}

func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string {
	return "log"
}

func (l *Log) Send(_ context.Context, event string, payload any) error {
	switch p := payload.(type) {
	case domain.NotificationEvent:
		l.logger.Printf("%s project=%s wave=%d review=%s priority=%s owner=%s reason=%q",
			event, p.ProjectID, p.WaveNumber, p.ReviewID, p.Priority, p.OwnerID, p.Reason)
	case domain.DeploymentEvent:
		l.logger.Printf("%s project=%s owner=%s waves=%d tasks=%d outputs=%d",
			event, p.ProjectID, p.OwnerID, p.Waves, p.Tasks, len(p.OutputRefs))
	default:
		l.logger.Printf("%s payload=%+v", event, payload)
	}
	return nil
}
