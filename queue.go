// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"errors"
	"sync"

	"github.com/mqttkit/engine/packets"
)

// OverflowStrategy is the behaviour of an outbound queue which is at capacity.
//
// With Block the publisher waits for space. The server bounds the wait by
// Options.DefaultCommunicationTimeout for a connected session and does not
// wait at all for a detached one; a message which still does not fit is
// dropped, counted in MessagesDropped and raised with OnPublishDropped.
type OverflowStrategy string

const (
	DropNewMessage          OverflowStrategy = "DropNewMessage"          // the incoming message is discarded
	DropOldestQueuedMessage OverflowStrategy = "DropOldestQueuedMessage" // the head of the queue is discarded
	Block                   OverflowStrategy = "Block"                   // the caller waits for space, for a bounded time
)

// Delivery stages of a queued qos 2 message.
const (
	StagePublish byte = iota // publish not yet acknowledged with pubrec
	StageRelease             // pubrec received, pubrel not yet acknowledged with pubcomp
)

var (
	// ErrQueueClosed indicates the queue was closed while waiting on it.
	ErrQueueClosed = errors.New("queue closed")
)

// QueuedMessage is an application message waiting in a session's outbound
// queue. A message which has already been partly delivered keeps its packet id
// and qos 2 stage so a retry resumes the same exchange.
type QueuedMessage struct {
	Packet   packets.Packet // the message to deliver
	Sender   string         // the client id of the publisher, empty for broker messages
	Qos      byte           // the delivery qos
	Stage    byte           // the qos 2 stage reached
	Retained bool           // true if the message is a retained message replayed on subscribe
	Dup      bool           // true if the message has been sent before
}

// OutboundQueue is a bounded FIFO of messages for a single session. It is
// safe for concurrent producers and a single consumer.
type OutboundQueue struct {
	items    []QueuedMessage
	notify   chan struct{} // signalled when a message is added
	space    chan struct{} // closed and replaced when a message is removed
	done     chan struct{} // closed when the queue is closed
	strategy OverflowStrategy
	capacity int
	closed   bool
	sync.Mutex
}

// NewOutboundQueue returns a new queue holding at most capacity messages. A
// capacity of 0 or less is unbounded.
func NewOutboundQueue(capacity int, strategy OverflowStrategy) *OutboundQueue {
	if strategy == "" {
		strategy = DropNewMessage
	}

	return &OutboundQueue{
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}),
		done:     make(chan struct{}),
		strategy: strategy,
		capacity: capacity,
	}
}

// Strategy returns the overflow strategy of the queue.
func (q *OutboundQueue) Strategy() OverflowStrategy {
	return q.strategy
}

// Enqueue adds a message to the back of the queue, applying the overflow
// strategy if the queue is full. If a message was discarded to make room, or
// the new message could not be added, it is returned as dropped. A Block
// queue waits until space is available, the context is done, or the queue is
// closed; in the latter cases the new message is returned as dropped with the
// cause.
func (q *OutboundQueue) Enqueue(ctx context.Context, msg QueuedMessage) (dropped *QueuedMessage, err error) {
	for {
		q.Lock()
		if q.closed {
			q.Unlock()
			return &msg, ErrQueueClosed
		}

		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, msg)
			q.Unlock()
			q.signal()
			return nil, nil
		}

		switch q.strategy {
		case DropOldestQueuedMessage:
			head := q.items[0]
			q.items = append(q.items[1:], msg)
			q.Unlock()
			q.signal()
			return &head, nil
		case Block:
			space := q.space
			q.Unlock()
			select {
			case <-space:
				continue
			case <-q.done:
				return &msg, ErrQueueClosed
			case <-ctx.Done():
				return &msg, ctx.Err()
			}
		default:
			q.Unlock()
			return &msg, nil
		}
	}
}

// EnqueueFront returns a message to the head of the queue regardless of
// capacity, so a retried message is delivered before any message queued after
// it. It returns false if the queue has been closed.
func (q *OutboundQueue) EnqueueFront(msg QueuedMessage) bool {
	q.Lock()
	if q.closed {
		q.Unlock()
		return false
	}
	q.items = append([]QueuedMessage{msg}, q.items...)
	q.Unlock()
	q.signal()
	return true
}

// Restore appends messages to the back of the queue regardless of capacity,
// such as when a session is loaded from storage.
func (q *OutboundQueue) Restore(msgs ...QueuedMessage) {
	if len(msgs) == 0 {
		return
	}

	q.Lock()
	q.items = append(q.items, msgs...)
	q.Unlock()
	q.signal()
}

// signal wakes a waiting consumer.
func (q *OutboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the head of the queue, if there is one.
func (q *OutboundQueue) TryDequeue() (QueuedMessage, bool) {
	q.Lock()
	defer q.Unlock()

	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}

	msg := q.items[0]
	q.items[0] = QueuedMessage{}
	q.items = q.items[1:]
	close(q.space)
	q.space = make(chan struct{})
	return msg, true
}

// Dequeue removes and returns the head of the queue, waiting until a message
// is available, the context is done, or the queue is closed.
func (q *OutboundQueue) Dequeue(ctx context.Context) (QueuedMessage, error) {
	for {
		if msg, ok := q.TryDequeue(); ok {
			return msg, nil
		}

		select {
		case <-q.notify:
		case <-q.done:
			if msg, ok := q.TryDequeue(); ok {
				return msg, nil
			}
			return QueuedMessage{}, ErrQueueClosed
		case <-ctx.Done():
			return QueuedMessage{}, ctx.Err()
		}
	}
}

// Count returns the number of messages in the queue.
func (q *OutboundQueue) Count() int {
	q.Lock()
	defer q.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued messages in delivery order.
func (q *OutboundQueue) Snapshot() []QueuedMessage {
	q.Lock()
	defer q.Unlock()
	out := make([]QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Clear removes all messages from the queue, returning the number removed.
func (q *OutboundQueue) Clear() int {
	q.Lock()
	defer q.Unlock()
	n := len(q.items)
	q.items = nil
	close(q.space)
	q.space = make(chan struct{})
	return n
}

// Close releases any blocked producers and consumers. Messages still queued
// may be drained with TryDequeue.
func (q *OutboundQueue) Close() {
	q.Lock()
	defer q.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
