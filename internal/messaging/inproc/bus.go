package inproc

import (
	"context"
	"errors"
	"sync"

	"wavecrew/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus routes dispatch messages to per-agent-type buffered channels. A full
// queue is reported to the caller instead of blocking so the relay can
// schedule a retry.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Message
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Message),
		buffer: buffer,
	}
}

func (b *Bus) Register(target string) <-chan domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[target]; ok {
		return ch
	}
	ch := make(chan domain.Message, b.buffer)
	b.subs[target] = ch
	return ch
}

func (b *Bus) Unregister(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[target]
	if !ok {
		return
	}
	delete(b.subs, target)
	close(ch)
}

func (b *Bus) Publish(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.subs[msg.Target]
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- msg:
		return nil
	default:
		return ErrAgentQueueFull
	}
}
