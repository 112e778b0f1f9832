package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the NATS channel needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

type NATS struct {
	pub     Publisher
	subject string
}

func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject}
}

func (n *NATS) Name() string {
	return "nats " + n.subject
}

func (n *NATS) Send(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Header.Set("Wavecrew-Event", event)
	msg.Data = data
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}
