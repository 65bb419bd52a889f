package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
)

// MessageType is the closed set of requests the worker accepts.
type MessageType string

const (
	MsgSkipWaiting MessageType = "SKIP_WAITING"
	MsgCacheData   MessageType = "CACHE_DATA"
	MsgClearCache  MessageType = "CLEAR_CACHE"
)

// Message is a request to the worker. Data is a list of URLs for
// CACHE_DATA and a cache category name for CLEAR_CACHE.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message with data encoded as JSON.
func NewMessage(t MessageType, data any) (Message, error) {
	if data == nil {
		return Message{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s data: %w", t, err)
	}
	return Message{Type: t, Data: raw}, nil
}

// Reply is the worker's answer to a Message.
type Reply struct {
	OK      bool     `json:"ok"`
	Message string   `json:"message,omitempty"`
	Cached  int      `json:"cached,omitempty"`
	Failed  []string `json:"failed,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan Reply
}

// Run processes messages until ctx is done, then waits for background
// refreshes to finish.
func (w *Worker) Run(ctx context.Context) error {
	defer w.bg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-w.inbox:
			if env.ctx.Err() != nil {
				continue
			}
			env.reply <- w.handle(env.ctx, env.msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) Reply {
	var r Reply
	switch msg.Type {
	case MsgSkipWaiting:
		r = w.skipWaiting(ctx)
	case MsgCacheData:
		r = w.cacheData(ctx, msg.Data)
	case MsgClearCache:
		r = w.clearCache(ctx, msg.Data)
	default:
		r = Reply{Message: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	outcome := "ok"
	if !r.OK {
		outcome = "error"
		w.logger.Warn("worker message failed", "type", msg.Type, "message", r.Message)
	}
	w.metrics.WorkerMessages.WithLabelValues(string(msg.Type), outcome).Inc()
	return r
}

func (w *Worker) skipWaiting(ctx context.Context) Reply {
	if w.State() == StateActivated {
		return Reply{OK: true, Message: "already active"}
	}
	deleted, err := w.Activate(ctx)
	if err != nil {
		return Reply{Message: err.Error()}
	}
	return Reply{OK: true, Deleted: deleted}
}

// cacheData fetches each URL into the data cache. Individual failures are
// reported but do not fail the message.
func (w *Worker) cacheData(ctx context.Context, data json.RawMessage) Reply {
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return Reply{Message: "CACHE_DATA expects a list of URLs"}
	}
	r := Reply{OK: true}
	for _, u := range urls {
		if err := w.precache(ctx, CacheData, u); err != nil {
			w.logger.Warn("cache data failed", "url", u, "error", err)
			r.Failed = append(r.Failed, u)
			continue
		}
		r.Cached++
	}
	return r
}

func (w *Worker) clearCache(ctx context.Context, data json.RawMessage) Reply {
	var category string
	if err := json.Unmarshal(data, &category); err != nil {
		return Reply{Message: "CLEAR_CACHE expects a cache category"}
	}
	name, ok := w.names[category]
	if !ok {
		return Reply{Message: fmt.Sprintf("unknown cache %q", category)}
	}
	if _, err := w.cache.Delete(ctx, name); err != nil {
		return Reply{Message: err.Error()}
	}
	w.logger.Info("cache cleared", "cache", name)
	return Reply{OK: true, Deleted: []string{name}}
}

// Messenger sends messages to a running worker and waits for the reply.
type Messenger struct {
	inbox   chan<- envelope
	timeout time.Duration
}

// Messenger returns a sender bound to this worker's mailbox.
func (w *Worker) Messenger() *Messenger {
	return &Messenger{inbox: w.inbox, timeout: w.opts.MessageTimeout}
}

// Send delivers msg and waits for the reply. No reply within the timeout
// is a TIMEOUT error; a reply that is not OK is a DATA_ERROR. Nothing is
// retried.
func (m *Messenger) Send(ctx context.Context, msg Message) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	env := envelope{ctx: ctx, msg: msg, reply: make(chan Reply, 1)}
	select {
	case m.inbox <- env:
	case <-ctx.Done():
		return Reply{}, m.timeoutError(msg)
	}

	select {
	case r := <-env.reply:
		if !r.OK {
			return r, domain.NewError(domain.KindData, fmt.Sprintf("%s: %s", msg.Type, r.Message), r.Message, nil)
		}
		return r, nil
	case <-ctx.Done():
		return Reply{}, m.timeoutError(msg)
	}
}

func (m *Messenger) timeoutError(msg Message) error {
	return domain.NewError(domain.KindTimeout, fmt.Sprintf("%s: no reply within %s", msg.Type, m.timeout), "", nil)
}
