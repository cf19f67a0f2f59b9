package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

type chatKey struct {
	tenantID string
	chatID   string
}

// chatQueues processes messages one at a time per chat, in arrival order.
// A chat's worker goroutine starts with its first pending message and exits
// once the chat has nothing left, so idle chats cost nothing.
type chatQueues struct {
	mu      sync.Mutex
	pending map[chatKey][]models.IncomingMessage
	limit   int
	closed  bool
	wg      sync.WaitGroup
	handle  func(models.IncomingMessage)
}

func newChatQueues(limit int, handle func(models.IncomingMessage)) *chatQueues {
	return &chatQueues{
		pending: make(map[chatKey][]models.IncomingMessage),
		limit:   limit,
		handle:  handle,
	}
}

// push queues msg and reports whether it was accepted. It never blocks.
func (q *chatQueues) push(msg models.IncomingMessage) bool {
	k := chatKey{msg.TenantID, msg.ChatID}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	list, running := q.pending[k]
	if q.limit > 0 && len(list) >= q.limit {
		slog.Warn("Flow chat queue full, dropping message", "tenant", k.tenantID, "chat", k.chatID, "pending", len(list))
		return false
	}
	q.pending[k] = append(list, msg)
	if !running {
		q.wg.Add(1)
		go q.drain(k)
	}
	return true
}

func (q *chatQueues) drain(k chatKey) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		list := q.pending[k]
		if len(list) == 0 {
			delete(q.pending, k)
			q.mu.Unlock()
			return
		}
		msg := list[0]
		list[0] = models.IncomingMessage{}
		q.pending[k] = list[1:]
		q.mu.Unlock()

		q.handle(msg)
	}
}

// active returns the number of chats with a running worker.
func (q *chatQueues) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// close stops accepting messages and waits for queued ones to be handled or
// for ctx to end.
func (q *chatQueues) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
