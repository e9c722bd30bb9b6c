// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/packets"
	"github.com/mqttkit/engine/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnect
	OnSessionEstablished
	OnDisconnect
	OnPacketRead
	OnPacketSent
	OnSubscribed
	OnUnsubscribed
	OnSelectSubscribers
	OnPublished
	OnPublishDropped
	OnUndelivered
	OnRetainMessage
	OnQosPublish
	OnQosComplete
	OnQosTimeout
	OnPacketIDExhausted
	OnWillSent
	OnSessionExpired
	OnRetainedExpired
	SaveRetainedMessages
	SaveSession
	DeleteSession
	StoredSessions
	StoredRetainedMessages
	StoredSysInfo
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the broker.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnConnect(cl *Connection, pk packets.Packet) error
	OnSessionEstablished(cl *Connection, pk packets.Packet)
	OnDisconnect(cl *Connection, err error, expire bool)
	OnPacketRead(cl *Connection, pk packets.Packet) (packets.Packet, error) // triggers when a new packet is received, before it is processed
	OnPacketSent(cl *Connection, pk packets.Packet, b []byte)              // triggers when packet bytes have been written to the client
	OnSubscribed(sess *Session, pk packets.Packet, reasonCodes []byte)
	OnUnsubscribed(sess *Session, pk packets.Packet)
	OnSelectSubscribers(subs *Subscribers, pk packets.Packet) *Subscribers
	OnPublished(pk packets.Packet)
	OnPublishDropped(sess *Session, pk packets.Packet)
	OnUndelivered(pk packets.Packet)
	OnRetainMessage(pk packets.Packet, r int64)
	OnQosPublish(sess *Session, pk packets.Packet, resends int)
	OnQosComplete(sess *Session, pk packets.Packet)
	OnQosTimeout(sess *Session, pk packets.Packet)
	OnPacketIDExhausted(sess *Session, pk packets.Packet)
	OnWillSent(sess *Session, pk packets.Packet)
	OnSessionExpired(sess *Session)
	OnRetainedExpired(topic string)
	SaveRetainedMessages(v []storage.Message) error
	SaveSession(v storage.Session) error
	DeleteSession(id string) error
	StoredSessions() ([]storage.Session, error)
	StoredRetainedMessages() ([]storage.Message, error)
	StoredSysInfo() (storage.SystemInfo, error)
}

// HookOptions contains values which are inherited from the server on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks calls each added hook in the order it was added. Hooks may be added
// while the server is running; callers see the set as it was when they began.
type Hooks struct {
	Log        *slog.Logger
	internal   atomic.Pointer[[]Hook]
	sync.Mutex // serializes Add
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return int64(len(h.GetAll()))
}

// Provides returns true if any hook provides any of the methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, method := range b {
		for range h.providing(method) {
			return true
		}
	}

	return false
}

// Add initializes a hook with its config and appends it to the hooks.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	if err := hook.Init(config); err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	hooks := append(slices.Clone(h.GetAll()), hook)
	h.internal.Store(&hooks)
	return nil
}

// GetAll returns the hooks. The slice must not be modified.
func (h *Hooks) GetAll() []Hook {
	if hooks := h.internal.Load(); hooks != nil {
		return *hooks
	}
	return nil
}

// Stop stops every hook in order. Errors are logged.
func (h *Hooks) Stop() {
	for _, hook := range h.GetAll() {
		h.Log.Info("stopping hook", "hook", hook.ID())
		if err := hook.Stop(); err != nil {
			h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
		}
	}
}

// providing yields the hooks which provide a method, in the order they were added.
func (h *Hooks) providing(method byte) iter.Seq[Hook] {
	return func(yield func(Hook) bool) {
		for _, hook := range h.GetAll() {
			if hook.Provides(method) && !yield(hook) {
				return
			}
		}
	}
}

// OnSysInfoTick is called when the $SYS topic values are published out.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for hook := range h.providing(OnSysInfoTick) {
		hook.OnSysInfoTick(sys)
	}
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	for hook := range h.providing(OnStarted) {
		hook.OnStarted()
	}
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	for hook := range h.providing(OnStopped) {
		hook.OnStopped()
	}
}

// OnConnect is called when a new client connects, and may return a packets.Code as an error to halt the connection.
func (h *Hooks) OnConnect(cl *Connection, pk packets.Packet) error {
	for hook := range h.providing(OnConnect) {
		err := hook.OnConnect(cl, pk)
		if err != nil {
			return err
		}
	}
	return nil
}

// OnSessionEstablished is called when a connection has been bound to its
// session and the connack has been sent.
func (h *Hooks) OnSessionEstablished(cl *Connection, pk packets.Packet) {
	for hook := range h.providing(OnSessionEstablished) {
		hook.OnSessionEstablished(cl, pk)
	}
}

// OnDisconnect is called when a connection ends for any reason. Expire is true
// if the session will be discarded.
func (h *Hooks) OnDisconnect(cl *Connection, err error, expire bool) {
	for hook := range h.providing(OnDisconnect) {
		hook.OnDisconnect(cl, err, expire)
	}
}

// OnPacketRead is called when a packet is received from a client. Each hook
// receives the packet as modified by the hooks before it. A hook returning
// packets.ErrRejectPacket drops the packet; other errors leave it unmodified.
func (h *Hooks) OnPacketRead(cl *Connection, pk packets.Packet) (packets.Packet, error) {
	pkx := pk
	for hook := range h.providing(OnPacketRead) {
		npk, err := hook.OnPacketRead(cl, pkx)
		if errors.Is(err, packets.ErrRejectPacket) {
			h.Log.Debug("packet rejected", "hook", hook.ID(), "packet", pkx)
			return pk, err
		}

		if err == nil {
			pkx = npk
		}
	}

	return pkx, nil
}

// OnPacketSent is called when a packet has been sent to a client. It takes a bytes parameter
// containing the bytes sent.
func (h *Hooks) OnPacketSent(cl *Connection, pk packets.Packet, b []byte) {
	for hook := range h.providing(OnPacketSent) {
		hook.OnPacketSent(cl, pk, b)
	}
}

// OnSubscribed is called when a session has subscribed to one or more filters.
func (h *Hooks) OnSubscribed(sess *Session, pk packets.Packet, reasonCodes []byte) {
	for hook := range h.providing(OnSubscribed) {
		hook.OnSubscribed(sess, pk, reasonCodes)
	}
}

// OnUnsubscribed is called when a session has unsubscribed from one or more filters.
func (h *Hooks) OnUnsubscribed(sess *Session, pk packets.Packet) {
	for hook := range h.providing(OnUnsubscribed) {
		hook.OnUnsubscribed(sess, pk)
	}
}

// OnSelectSubscribers is called when subscribers have been collected for a topic, but before
// shared subscription subscribers have been selected. This hook can be used to programmatically
// remove or add clients to a publish to subscribers process, or to select the subscriber for a shared
// group in a custom manner (such as based on client id, ip, etc).
func (h *Hooks) OnSelectSubscribers(subs *Subscribers, pk packets.Packet) *Subscribers {
	for hook := range h.providing(OnSelectSubscribers) {
		subs = hook.OnSelectSubscribers(subs, pk)
	}
	return subs
}

// OnPublished is called when a message has been routed to its subscribers.
func (h *Hooks) OnPublished(pk packets.Packet) {
	for hook := range h.providing(OnPublished) {
		hook.OnPublished(pk)
	}
}

// OnPublishDropped is called when a message to a session is discarded by the
// overflow policy of its queue.
func (h *Hooks) OnPublishDropped(sess *Session, pk packets.Packet) {
	for hook := range h.providing(OnPublishDropped) {
		hook.OnPublishDropped(sess, pk)
	}
}

// OnUndelivered is called when a message matched no subscribers.
func (h *Hooks) OnUndelivered(pk packets.Packet) {
	for hook := range h.providing(OnUndelivered) {
		hook.OnUndelivered(pk)
	}
}

// OnRetainMessage is called when a retained message is stored (r = 1) or
// removed (r = -1).
func (h *Hooks) OnRetainMessage(pk packets.Packet, r int64) {
	for hook := range h.providing(OnRetainMessage) {
		hook.OnRetainMessage(pk, r)
	}
}

// OnQosPublish is called when a publish packet with qos >= 1 is issued to a session.
func (h *Hooks) OnQosPublish(sess *Session, pk packets.Packet, resends int) {
	for hook := range h.providing(OnQosPublish) {
		hook.OnQosPublish(sess, pk, resends)
	}
}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *Hooks) OnQosComplete(sess *Session, pk packets.Packet) {
	for hook := range h.providing(OnQosComplete) {
		hook.OnQosComplete(sess, pk)
	}
}

// OnQosTimeout is called when an acknowledgement was not received in time and
// the message was returned to the session queue.
func (h *Hooks) OnQosTimeout(sess *Session, pk packets.Packet) {
	for hook := range h.providing(OnQosTimeout) {
		hook.OnQosTimeout(sess, pk)
	}
}

// OnPacketIDExhausted is called when a session has no free packet ids.
func (h *Hooks) OnPacketIDExhausted(sess *Session, pk packets.Packet) {
	for hook := range h.providing(OnPacketIDExhausted) {
		hook.OnPacketIDExhausted(sess, pk)
	}
}

// OnWillSent is called when a will message has been published for a session.
func (h *Hooks) OnWillSent(sess *Session, pk packets.Packet) {
	for hook := range h.providing(OnWillSent) {
		hook.OnWillSent(sess, pk)
	}
}

// OnSessionExpired is called when a detached session has expired and been deleted.
func (h *Hooks) OnSessionExpired(sess *Session) {
	for hook := range h.providing(OnSessionExpired) {
		hook.OnSessionExpired(sess)
	}
}

// OnRetainedExpired is called when a retained message has expired.
func (h *Hooks) OnRetainedExpired(topic string) {
	for hook := range h.providing(OnRetainedExpired) {
		hook.OnRetainedExpired(topic)
	}
}

// SaveRetainedMessages replaces the stored retained messages in every storage hook.
func (h *Hooks) SaveRetainedMessages(v []storage.Message) error {
	var errs []error
	for hook := range h.providing(SaveRetainedMessages) {
		if err := hook.SaveRetainedMessages(v); err != nil {
			h.Log.Error("failed to save retained messages", "error", err, "hook", hook.ID())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveSession stores a session in every storage hook.
func (h *Hooks) SaveSession(v storage.Session) error {
	var errs []error
	for hook := range h.providing(SaveSession) {
		if err := hook.SaveSession(v); err != nil {
			h.Log.Error("failed to save session", "error", err, "hook", hook.ID(), "client", v.ID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteSession removes a session from every storage hook.
func (h *Hooks) DeleteSession(id string) error {
	var errs []error
	for hook := range h.providing(DeleteSession) {
		if err := hook.DeleteSession(id); err != nil {
			h.Log.Error("failed to delete session", "error", err, "hook", hook.ID(), "client", id)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadStored returns the first non-empty result of load from the hooks
// providing method, stopping at the first error.
func loadStored[T any](h *Hooks, method byte, what string, load func(Hook) (T, error), found func(T) bool) (v T, err error) {
	for hook := range h.providing(method) {
		v, err = load(hook)
		if err != nil {
			h.Log.Error("failed to load "+what, "error", err, "hook", hook.ID())
			return v, err
		}

		if found(v) {
			return v, nil
		}
	}

	var zero T
	return zero, nil
}

// StoredSessions returns the detached sessions held by the first storage hook which has any.
func (h *Hooks) StoredSessions() ([]storage.Session, error) {
	return loadStored(h, StoredSessions, "sessions", Hook.StoredSessions,
		func(v []storage.Session) bool { return len(v) > 0 })
}

// StoredRetainedMessages returns the retained messages held by the first storage hook which has any.
func (h *Hooks) StoredRetainedMessages() ([]storage.Message, error) {
	return loadStored(h, StoredRetainedMessages, "retained messages", Hook.StoredRetainedMessages,
		func(v []storage.Message) bool { return len(v) > 0 })
}

// StoredSysInfo returns the system counters saved by the first storage hook which has them.
func (h *Hooks) StoredSysInfo() (storage.SystemInfo, error) {
	return loadStored(h, StoredSysInfo, "$SYS info", Hook.StoredSysInfo,
		func(v storage.SystemInfo) bool { return v.Version != "" })
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the server starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the server stops.
func (h *HookBase) OnStopped() {}

// OnSysInfoTick is called when the server publishes system info.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnConnect is called when a new client connects.
func (h *HookBase) OnConnect(cl *Connection, pk packets.Packet) error {
	return nil
}

// OnSessionEstablished is called when a connection is bound to its session.
func (h *HookBase) OnSessionEstablished(cl *Connection, pk packets.Packet) {}

// OnDisconnect is called when a connection ends for any reason.
func (h *HookBase) OnDisconnect(cl *Connection, err error, expire bool) {}

// OnPacketRead is called when a packet is received.
func (h *HookBase) OnPacketRead(cl *Connection, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}

// OnPacketSent is called immediately after a packet is written to a client.
func (h *HookBase) OnPacketSent(cl *Connection, pk packets.Packet, b []byte) {}

// OnSubscribed is called when a session subscribes to one or more filters.
func (h *HookBase) OnSubscribed(sess *Session, pk packets.Packet, reasonCodes []byte) {}

// OnUnsubscribed is called when a session unsubscribes from one or more filters.
func (h *HookBase) OnUnsubscribed(sess *Session, pk packets.Packet) {}

// OnSelectSubscribers is called when selecting subscribers to receive a message.
func (h *HookBase) OnSelectSubscribers(subs *Subscribers, pk packets.Packet) *Subscribers {
	return subs
}

// OnPublished is called when a message has been routed to its subscribers.
func (h *HookBase) OnPublished(pk packets.Packet) {}

// OnPublishDropped is called when a message to a session is dropped instead of being delivered.
func (h *HookBase) OnPublishDropped(sess *Session, pk packets.Packet) {}

// OnUndelivered is called when a message matched no subscribers.
func (h *HookBase) OnUndelivered(pk packets.Packet) {}

// OnRetainMessage is called then a published message is retained or cleared.
func (h *HookBase) OnRetainMessage(pk packets.Packet, r int64) {}

// OnQosPublish is called when a publish packet with qos >= 1 is issued to a session.
func (h *HookBase) OnQosPublish(sess *Session, pk packets.Packet, resends int) {}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *HookBase) OnQosComplete(sess *Session, pk packets.Packet) {}

// OnQosTimeout is called when a qos flow timed out and the message was requeued.
func (h *HookBase) OnQosTimeout(sess *Session, pk packets.Packet) {}

// OnPacketIDExhausted is called when a session runs out of unused packet ids to assign to a packet.
func (h *HookBase) OnPacketIDExhausted(sess *Session, pk packets.Packet) {}

// OnWillSent is called when a will message has been issued for a session.
func (h *HookBase) OnWillSent(sess *Session, pk packets.Packet) {}

// OnSessionExpired is called when a session has expired.
func (h *HookBase) OnSessionExpired(sess *Session) {}

// OnRetainedExpired is called when a retained message for a topic has expired.
func (h *HookBase) OnRetainedExpired(topic string) {}

// SaveRetainedMessages replaces the stored retained messages.
func (h *HookBase) SaveRetainedMessages(v []storage.Message) error {
	return nil
}

// SaveSession stores a session.
func (h *HookBase) SaveSession(v storage.Session) error {
	return nil
}

// DeleteSession removes a stored session.
func (h *HookBase) DeleteSession(id string) error {
	return nil
}

// StoredSessions returns all sessions from a store.
func (h *HookBase) StoredSessions() (v []storage.Session, err error) {
	return
}

// StoredRetainedMessages returns all retained messages from a store.
func (h *HookBase) StoredRetainedMessages() (v []storage.Message, err error) {
	return
}

// StoredSysInfo returns a set of system info values.
func (h *HookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	return
}
