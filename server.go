// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides the session, subscription matching and delivery engine
// of an MQTT v5 broker, with v3.1.1 backward compatibility.
package mqtt

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/listeners"
	"github.com/mqttkit/engine/packets"
	"github.com/mqttkit/engine/system"
)

const (
	Version                              = "1.0.0" // the current server version.
	defaultSysTopicInterval        int64 = 1       // the interval between $SYS topic publishes
	defaultCommunicationTimeout          = 100 * time.Second
	defaultKeepaliveScanInterval         = 500 * time.Millisecond
	defaultMaxPendingMessages            = 250
	LocalListener                        = "local"
)

var (
	ErrListenerIDExists       = errors.New("listener id already exists")                               // a listener with the same id already exists
	ErrInlineClientNotEnabled = errors.New("please set Options.InlineClient=true to use this feature") // inline subscriptions are not enabled by default
	ErrOptionsUnreadable      = errors.New("unable to read options from bytes")
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients               int64           `yaml:"maximum_clients" json:"maximum_clients"`                                 // maximum number of connected clients
	MaximumMessageExpiryInterval int64           `yaml:"maximum_message_expiry_interval" json:"maximum_message_expiry_interval"` // maximum message expiry if message expiry is 0 or over
	MaximumSessionExpiryInterval uint32          `yaml:"maximum_session_expiry_interval" json:"maximum_session_expiry_interval"` // maximum number of seconds to keep disconnected sessions
	MaximumPacketSize            uint32          `yaml:"maximum_packet_size" json:"maximum_packet_size"`                         // maximum packet size, no limit if 0
	ReceiveMaximum               uint16          `yaml:"receive_maximum" json:"receive_maximum"`                                 // maximum number of concurrent inbound qos 2 messages per client
	TopicAliasMaximum            uint16          `yaml:"topic_alias_maximum" json:"topic_alias_maximum"`                         // maximum topic alias value
	SharedSubAvailable           byte            `yaml:"shared_sub_available" json:"shared_sub_available"`                       // support of shared subscriptions
	MinimumProtocolVersion       byte            `yaml:"minimum_protocol_version" json:"minimum_protocol_version"`               // minimum supported mqtt version
	Compatibilities              Compatibilities `yaml:"compatibilities" json:"compatibilities"`                                 // version compatibilities the server provides
	MaximumQos                   byte            `yaml:"maximum_qos" json:"maximum_qos"`                                         // maximum qos value available to clients
	RetainAvailable              byte            `yaml:"retain_available" json:"retain_available"`                               // support of retain messages
	WildcardSubAvailable         byte            `yaml:"wildcard_sub_available" json:"wildcard_sub_available"`                   // support of wildcard subscriptions
	SubIDAvailable               byte            `yaml:"sub_id_available" json:"sub_id_available"`                               // support of subscription identifiers
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:               math.MaxInt64,  // maximum number of connected clients
		MaximumMessageExpiryInterval: 60 * 60 * 24,   // maximum message expiry if message expiry is 0 or over
		MaximumSessionExpiryInterval: math.MaxUint32, // maximum number of seconds to keep disconnected sessions
		MaximumPacketSize:            0,              // no maximum packet size
		ReceiveMaximum:               1024,           // maximum number of concurrent inbound qos 2 messages per client
		TopicAliasMaximum:            math.MaxUint16, // maximum topic alias value
		SharedSubAvailable:           1,              // shared subscriptions are available
		MinimumProtocolVersion:       3,              // minimum supported mqtt version (3.0.0)
		MaximumQos:                   2,              // maximum qos value available to clients
		RetainAvailable:              1,              // retain messages is available
		WildcardSubAvailable:         1,              // wildcard subscriptions are available
		SubIDAvailable:               1,              // subscription identifiers are available
	}
}

// Compatibilities provides flags for using compatibility modes.
type Compatibilities struct {
	ObscureNotAuthorized       bool `yaml:"obscure_not_authorized" json:"obscure_not_authorized"`                 // return unspecified errors instead of not authorized
	PassiveClientDisconnect    bool `yaml:"passive_client_disconnect" json:"passive_client_disconnect"`           // don't disconnect the client forcefully after sending disconnect packet (paho - protocol violation)
	AlwaysReturnResponseInfo   bool `yaml:"always_return_response_info" json:"always_return_response_info"`       // always return response info (useful for testing)
	RestoreSysInfoOnRestart    bool `yaml:"restore_sys_info_on_restart" json:"restore_sys_info_on_restart"`       // restore system info from store as if server never stopped
	NoInheritedPropertiesOnAck bool `yaml:"no_inherited_properties_on_ack" json:"no_inherited_properties_on_ack"` // don't allow inherited user properties on ack (paho - protocol violation)
	CapQosToPublish            bool `yaml:"cap_qos_to_publish" json:"cap_qos_to_publish"`                         // never deliver above the qos the message was published with [MQTT-3.8.4-8]
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.ReceiveMaximum = 128
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// DefaultCommunicationTimeout bounds the wait for a connect packet, every
	// socket write, and every wait for a qos acknowledgement.
	DefaultCommunicationTimeout time.Duration `yaml:"default_communication_timeout" json:"default_communication_timeout"`

	// MaxPendingMessagesPerClient is the capacity of each session's outbound queue.
	MaxPendingMessagesPerClient int `yaml:"max_pending_messages_per_client" json:"max_pending_messages_per_client"`

	// OverflowStrategy is applied when a session's outbound queue is full.
	OverflowStrategy OverflowStrategy `yaml:"overflow_strategy" json:"overflow_strategy"`

	// DisablePersistentSessions discards every session when its connection ends.
	DisablePersistentSessions bool `yaml:"disable_persistent_sessions" json:"disable_persistent_sessions"`

	// KeepaliveScanInterval is the interval between keepalive checks of the live connections.
	KeepaliveScanInterval time.Duration `yaml:"keepalive_scan_interval" json:"keepalive_scan_interval"`

	// ConnectionRateLimit is the number of new connections accepted per second, 0 for no limit.
	ConnectionRateLimit float64 `yaml:"connection_rate_limit" json:"connection_rate_limit"`

	// ConnectionBurst is the number of connections which may exceed the rate limit at once.
	ConnectionBurst int `yaml:"connection_burst" json:"connection_burst"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration. If you wish to change the log level,
	// of the default logger, you can do so by setting:
	// 	level := new(slog.LevelVar)
	// 	server := mqtt.New(&mqtt.Options{
	// 		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})),
	// 	})
	// 	level.Set(slog.LevelDebug)
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`

	// InlineClient enables direct subscriptions from the parent codebase with Server.Subscribe.
	InlineClient bool `yaml:"inline_client" json:"inline_client"`

	// Validator decides whether connections are accepted. Hooks which implement
	// Validator are used if none is set.
	Validator Validator `yaml:"-" json:"-"`

	// SubscriptionInterceptor may modify or refuse subscriptions.
	SubscriptionInterceptor SubscriptionInterceptor `yaml:"-" json:"-"`

	// UnsubscriptionInterceptor may modify or refuse unsubscriptions.
	UnsubscriptionInterceptor UnsubscriptionInterceptor `yaml:"-" json:"-"`

	// PublishInterceptor may modify or refuse application messages.
	PublishInterceptor PublishInterceptor `yaml:"-" json:"-"`
}

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Sessions  *Sessions            // sessions known to the broker
	Topics    *TopicsIndex         // an index of topic filter subscriptions
	Retained  *RetainedMessages    // the retained messages, keyed on topic
	Info      *system.Info         // values about the server commonly known as $SYS topics
	loop      *loop                // loop contains tickers for the system event loop
	done      chan bool            // indicate that the server is ending
	Log       *slog.Logger         // minimal no-alloc logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	inline    *inlineSubscriptions // subscriptions made with Server.Subscribe
	limiter   *rate.Limiter        // limits the rate of new connections, nil for no limit
	attachMu  sync.Mutex           // serialises binding and discarding sessions
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysTopics      *time.Ticker  // interval ticker for sending updating $SYS topics
	sessionExpiry  *time.Ticker  // interval ticker for cleaning expired sessions
	retainedExpiry *time.Ticker  // interval ticker for cleaning retained messages
	willDelaySend  *time.Ticker  // interval ticker for sending Will Messages with a delay
	willDelayed    *delayedWills // will messages which will be sent after a delay
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in connections
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the connection
}

// New returns a new instance of the broker. Optional parameters can be
// specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Sessions:  NewSessions(),
		Topics:    NewTopicsIndex(),
		Listeners: listeners.New(),
		loop: &loop{
			sysTopics:      time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
			sessionExpiry:  time.NewTicker(time.Second),
			retainedExpiry: time.NewTicker(time.Second),
			willDelaySend:  time.NewTicker(time.Second),
			willDelayed:    newDelayedWills(),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
		inline: newInlineSubscriptions(),
	}

	s.Retained = NewRetainedMessages(s.persistRetained)

	if opts.ConnectionRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.ConnectionRateLimit), opts.ConnectionBurst)
	}

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.DefaultCommunicationTimeout <= 0 {
		o.DefaultCommunicationTimeout = defaultCommunicationTimeout
	}

	if o.MaxPendingMessagesPerClient == 0 {
		o.MaxPendingMessagesPerClient = defaultMaxPendingMessages
	}

	if o.OverflowStrategy == "" {
		o.OverflowStrategy = DropNewMessage
	}

	if o.KeepaliveScanInterval <= 0 {
		o.KeepaliveScanInterval = defaultKeepaliveScanInterval
	}

	if o.ConnectionRateLimit > 0 && o.ConnectionBurst <= 0 {
		o.ConnectionBurst = int(math.Ceil(o.ConnectionRateLimit))
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// NewConnection returns a new Connection for a net.Conn accepted by a listener,
// populated with the references it needs to the server.
func (s *Server) NewConnection(c net.Conn, listener string) *Connection {
	cl := newConnection(c, &ops{
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	})

	cl.Net.Listener = listener
	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve(). A hook which also implements
// Validator or one of the interceptors is used as such if the option is unset.
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	if err := s.hooks.Add(hook, config); err != nil {
		return err
	}

	if v, ok := hook.(Validator); ok && s.Options.Validator == nil {
		s.Options.Validator = v
	}

	if v, ok := hook.(SubscriptionInterceptor); ok && s.Options.SubscriptionInterceptor == nil {
		s.Options.SubscriptionInterceptor = v
	}

	if v, ok := hook.(UnsubscriptionInterceptor); ok && s.Options.UnsubscriptionInterceptor == nil {
		s.Options.UnsubscriptionInterceptor = v
	}

	if v, ok := hook.(PublishInterceptor); ok && s.Options.PublishInterceptor == nil {
		s.Options.PublishInterceptor = v
	}

	s.Log.Info("added hook", "hook", hook.ID())
	return nil
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
// New built-in listeners should be added to this list.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeQUIC:
			l = listeners.NewQUIC(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMetrics:
			l = listeners.NewHTTPMetrics(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, publishing the system topics, supervising
// keepalives, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("mqtt engine starting", "version", Version)
	defer s.Log.Info("mqtt engine started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(
		StoredSessions,
		StoredRetainedMessages,
		StoredSysInfo,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server.
	go s.keepaliveLoop()                        // supervise the keepalives of live connections.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysTopics()                        // begin publishing $SYS system values.
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysTopics.Stop()
			s.loop.sessionExpiry.Stop()
			s.loop.retainedExpiry.Stop()
			s.loop.willDelaySend.Stop()
			return
		case <-s.loop.sysTopics.C:
			s.publishSysTopics()
		case <-s.loop.sessionExpiry.C:
			s.clearExpiredSessions(time.Now().Unix())
		case <-s.loop.retainedExpiry.C:
			s.clearExpiredRetainedMessages(time.Now().Unix())
		case <-s.loop.willDelaySend.C:
			s.sendDelayedLWT(time.Now().Unix())
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new
// connection. Connections arriving once the server is closing are refused.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	if !s.Listeners.Track() {
		_ = c.Close()
		return packets.ErrServerShuttingDown
	}
	defer s.Listeners.ClientsWg.Done()

	cl := s.NewConnection(c, listener)
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming connection and if viable, binds it to a
// new or existing session, then serves it until the connection ends. A panic
// ends only this connection, which is detached from its session as if it had
// dropped.
func (s *Server) attachClient(cl *Connection, listener string) (err error) {
	var sess *Session
	var draining, detached bool
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		s.Log.Error("recovered from panic serving connection", "client", cl.ID, "remote", cl.Net.Remote, "listener", listener, "panic", r)
		err = packets.ErrImplementationSpecificError
		if sess == nil || detached {
			return
		}

		if !draining {
			close(cl.drained)
		}
		detached = true
		s.detachConnection(cl, sess, err)
	}()
	defer cl.Stop(nil)

	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err) // [MQTT-3.1.0-1] [MQTT-4.8.0-1]
	}

	cl.ParseConnect(listener, pk)

	if s.limiter != nil && !s.limiter.Allow() {
		return s.rejectConnection(cl, packets.ErrConnectionRateExceeded)
	}

	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients {
		if cl.Properties.ProtocolVersion < 5 {
			return s.rejectConnection(cl, packets.ErrServerUnavailable)
		}
		return s.rejectConnection(cl, packets.ErrServerBusy)
	}

	code := s.validateConnect(cl, pk) // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeSuccess {
		return s.rejectConnection(cl, code) // [MQTT-3.2.2-7] [MQTT-3.1.4-6]
	}

	vctx := s.authorizeConnection(cl, pk)
	if vctx.ReasonCode.Failed() {
		s.Log.Debug("connection refused by validator", "client", cl.ID, "remote", cl.Net.Remote, "listener", listener, "reason", vctx.ReasonCode)
		return s.rejectConnection(cl, vctx.ReasonCode)
	}

	cl.ID = vctx.ClientID
	if cl.ID == "" {
		return s.rejectConnection(cl, packets.ErrClientIdentifierNotValid)
	}

	err = s.hooks.OnConnect(cl, pk)
	if err != nil {
		if code, ok := err.(packets.Code); ok {
			return s.rejectConnection(cl, code)
		}
		return err
	}

	connected := atomic.AddInt64(&s.Info.ClientsConnected, 1)
	defer atomic.AddInt64(&s.Info.ClientsConnected, -1)
	if connected > atomic.LoadInt64(&s.Info.ClientsMaximum) {
		atomic.StoreInt64(&s.Info.ClientsMaximum, connected)
	}

	var present bool
	var previous *Connection
	sess, present, previous = s.establishSession(cl, pk, vctx.Items)
	if previous != nil {
		s.Log.Debug("session taken over", "client", cl.ID, "old_remote", previous.Net.Remote, "new_remote", cl.Net.Remote)
		_ = s.DisconnectClient(previous, packets.ErrSessionTakenOver) // [MQTT-3.1.4-3]
		s.awaitDrained(previous)
	}

	properties := &packets.Properties{}
	if vctx.AssignedClientID && cl.Properties.ProtocolVersion == 5 {
		properties.AssignedClientID = cl.ID // [MQTT-3.1.3-7] [MQTT-3.2.2-16]
	}

	err = s.SendConnack(cl, packets.CodeSuccess, present, properties) // [MQTT-3.1.4-5] [MQTT-3.2.0-1] [MQTT-3.2.0-2]
	if err != nil {
		close(cl.drained)
		detached = true
		s.detachConnection(cl, sess, err)
		return fmt.Errorf("ack connection packet: %w", err)
	}

	s.hooks.OnSessionEstablished(cl, pk)

	draining = true
	go s.drainQueue(cl, sess)
	err = s.readLoop(cl, sess)
	detached = true
	s.detachConnection(cl, sess, err)

	return err
}

// rejectConnection sends a negative connack and counts the rejection. No
// session state is changed.
func (s *Server) rejectConnection(cl *Connection, code packets.Code) error {
	atomic.AddInt64(&s.Info.ClientsRejected, 1)
	if err := s.SendConnack(cl, code, false, nil); err != nil {
		return fmt.Errorf("invalid connection send ack: %w", err)
	}
	return code
}

// readConnectionPacket reads the first incoming packet for a connection, and if
// acceptable, returns the valid connection packet. The read is bounded by the
// communication timeout.
func (s *Server) readConnectionPacket(cl *Connection) (pk packets.Packet, err error) {
	if cl.Net.Conn != nil {
		_ = cl.Net.Conn.SetReadDeadline(time.Now().Add(s.Options.DefaultCommunicationTimeout))
		defer func() {
			_ = cl.Net.Conn.SetReadDeadline(time.Time{})
		}()
	}

	pk, err = cl.ReadPacket()
	if err != nil {
		return
	}

	if pk.FixedHeader.Type != packets.Connect {
		return pk, packets.ErrProtocolViolationRequireFirstConnect // [MQTT-3.1.0-1]
	}

	return
}

// validateConnect validates that a connect packet is compliant.
func (s *Server) validateConnect(cl *Connection, pk packets.Packet) packets.Code {
	code := pk.ConnectValidate() // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeSuccess {
		return code
	}

	if cl.Properties.ProtocolVersion < 5 && !pk.Connect.Clean && pk.Connect.ClientIdentifier == "" {
		return packets.ErrClientIdentifierNotValid // [MQTT-3.1.3-8]
	}

	if cl.Properties.ProtocolVersion < s.Options.Capabilities.MinimumProtocolVersion {
		return packets.ErrUnsupportedProtocolVersion // [MQTT-3.1.2-2]
	} else if pk.Connect.WillFlag && pk.Connect.WillQos > s.Options.Capabilities.MaximumQos {
		return packets.ErrQosNotSupported // [MQTT-3.2.2-12]
	} else if pk.Connect.WillRetain && s.Options.Capabilities.RetainAvailable == 0x00 {
		return packets.ErrRetainNotSupported // [MQTT-3.2.2-13]
	}

	return code
}

// authorizeConnection assigns a client id if the client did not provide one,
// populates the well known session items, and runs the connection validator.
func (s *Server) authorizeConnection(cl *Connection, pk packets.Packet) *ConnectContext {
	assigned := false
	if cl.ID == "" {
		cl.ID = xid.New().String() // [MQTT-3.1.3-6] [MQTT-3.1.3-7]
		assigned = true
	}

	items := NewSessionItems()
	items.Set(ItemUsername, pk.Connect.Username)
	items.Set(ItemRemote, cl.Net.Remote)
	items.Set(ItemListener, cl.Net.Listener)

	state := cl.TLSState()
	if state != nil {
		items.Set(ItemTLSState, state)
		if len(state.PeerCertificates) > 0 {
			items.Set(ItemPeerCertificate, state.PeerCertificates[0])
		}
	}

	ctx := &ConnectContext{
		Packet:           pk,
		TLS:              state,
		Items:            items,
		ClientID:         cl.ID,
		Remote:           cl.Net.Remote,
		Listener:         cl.Net.Listener,
		ReasonCode:       packets.CodeSuccess,
		AssignedClientID: assigned,
	}

	if s.Options.Validator != nil {
		if s.contain("connection validator", cl.ID, func() {
			s.Options.Validator.ValidateConnection(ctx)
		}) {
			ctx.ReasonCode = packets.ErrUnspecifiedError
			return ctx
		}

		if ctx.ClientID != cl.ID {
			ctx.AssignedClientID = true
		}
	}

	return ctx
}

// establishSession binds a connection to the session for its client id,
// creating the session if it does not exist or must be started clean. It
// returns whether an existing session was resumed, and any live connection
// which was taken over.
func (s *Server) establishSession(cl *Connection, pk packets.Packet, items *SessionItems) (sess *Session, present bool, previous *Connection) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	clean := pk.Connect.Clean || s.Options.DisablePersistentSessions
	existing, ok := s.Sessions.Get(cl.ID)
	if ok {
		if live := existing.Connection(); live != nil {
			live.takenOver.Store(true)
			atomic.AddInt64(&s.Info.SessionsTakenOver, 1)
			previous = live
		}

		if clean { // [MQTT-3.1.2-4] [MQTT-3.1.4-4]
			if previous != nil {
				existing.Unbind(previous) // a taken over connection never sends the will
			}
			s.discardSession(existing)
			ok = false
		}
	}

	if ok {
		sess = existing
		present = true // [MQTT-3.2.2-3]
	} else {
		sess = NewSession(cl.ID, s.Options.MaxPendingMessagesPerClient, s.Options.OverflowStrategy)
		s.Sessions.Add(sess) // [MQTT-4.1.0-1]
	}

	sess.Update(pk, s.Options.Capabilities.MaximumSessionExpiryInterval)
	if s.Options.DisablePersistentSessions {
		sess.SetExpiryInterval(0)
	}

	sess.SetItems(items)
	sess.Bind(cl)
	cl.setSession(sess)
	s.loop.willDelayed.Delete(cl.ID) // [MQTT-3.1.3-9]

	return sess, present, previous
}

// awaitDrained waits for the drain loop of a stopped connection to return any
// message it was delivering to the session queue. The session queue has one
// consumer at a time, so a slow drain loop is reported and waited for.
func (s *Server) awaitDrained(cl *Connection) {
	timer := time.NewTimer(s.Options.DefaultCommunicationTimeout)
	defer timer.Stop()

	select {
	case <-cl.Drained():
		return
	case <-timer.C:
		s.Log.Warn("still waiting for taken over connection", "client", cl.ID, "remote", cl.Net.Remote)
	}

	<-cl.Drained()
}

// readLoop reads and processes inbound packets until the connection ends,
// returning the reason it ended.
func (s *Server) readLoop(cl *Connection, sess *Session) error {
	for {
		pk, err := cl.ReadPacket()
		if err != nil {
			if cause := cl.StopCause(); cause != nil {
				return cause
			}

			if code, ok := err.(packets.Code); ok && code.Failed() {
				_ = s.DisconnectClient(cl, code)
			}

			return err
		}

		if err := s.receivePacket(cl, sess, pk); err != nil {
			return err
		}

		if cl.Closed() {
			return cl.StopCause()
		}
	}
}

// receivePacket processes an incoming packet for a client, and issues a disconnect to the client
// if an error has occurred (if mqtt v5). A panic while processing the packet
// ends only this connection.
func (s *Server) receivePacket(cl *Connection, sess *Session, pk packets.Packet) (err error) {
	if s.contain("packet processing", cl.ID, func() {
		err = s.processPacket(cl, sess, pk)
	}) {
		err = packets.ErrImplementationSpecificError
	}

	if err != nil {
		if code, ok := err.(packets.Code); ok &&
			code.Failed() {
			_ = s.DisconnectClient(cl, code)
		}

		s.Log.Warn("error processing packet", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "pk", pk.FixedHeader.Type)

		return err
	}

	return nil
}

// detachConnection ends a connection's hold on its session. Unless the
// connection was taken over, the will message is sent if the connection did
// not end with a normal disconnect, and the session is discarded if it does
// not persist or saved if it does.
func (s *Server) detachConnection(cl *Connection, sess *Session, err error) {
	cl.Stop(err)
	<-cl.Drained()

	s.Log.Debug("client disconnected", "error", err, "client", cl.ID, "remote", cl.Net.Remote, "listener", cl.Net.Listener)

	s.attachMu.Lock()
	if !sess.Unbind(cl) {
		s.attachMu.Unlock()
		s.hooks.OnDisconnect(cl, err, false) // taken over, the will is not sent
		return
	}

	expire := sess.Properties().ExpiryInterval == 0
	if expire {
		s.discardSession(sess) // [MQTT-4.1.0-2] ![MQTT-3.1.2-23]
	}
	s.attachMu.Unlock()

	if cl.cleanDisconnect.Load() {
		sess.ClearWill() // [MQTT-3.14.4-3] [MQTT-3.1.2-10]
	} else {
		s.sendLWT(sess)
	}

	s.hooks.OnDisconnect(cl, err, expire)

	if !expire {
		s.persistSession(sess)
	}
}

// SendConnack returns a Connack packet to a client.
func (s *Server) SendConnack(cl *Connection, reason packets.Code, present bool, properties *packets.Properties) error {
	if properties == nil {
		properties = &packets.Properties{}
	}

	properties.ReceiveMaximum = s.Options.Capabilities.ReceiveMaximum // 3.2.2.3.3 Receive Maximum

	if reason.Failed() {
		if cl.Properties.ProtocolVersion < 5 {
			reason = reason.V3()
		}

		properties.ReasonString = reason.Reason
		ack := packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type: packets.Connack,
			},
			SessionPresent: false,       // [MQTT-3.2.2-6]
			ReasonCode:     reason.Code, // [MQTT-3.2.2-8]
			Properties:     *properties,
		}
		return cl.WritePacket(ack)
	}

	caps := s.Options.Capabilities
	if caps.MaximumQos < 2 {
		properties.MaximumQos = caps.MaximumQos // [MQTT-3.2.2-9]
		properties.MaximumQosFlag = true
	}

	if caps.RetainAvailable == 0 {
		properties.RetainAvailableFlag = true // [MQTT-3.2.2-13]
	}

	if caps.WildcardSubAvailable == 0 {
		properties.WildcardSubAvailableFlag = true
	}

	if caps.SubIDAvailable == 0 {
		properties.SubIDAvailableFlag = true
	}

	if caps.SharedSubAvailable == 0 {
		properties.SharedSubAvailableFlag = true
	}

	properties.TopicAliasMaximum = caps.TopicAliasMaximum
	properties.MaximumPacketSize = caps.MaximumPacketSize

	if cl.Properties.Props.SessionExpiryInterval > caps.MaximumSessionExpiryInterval {
		properties.SessionExpiryInterval = caps.MaximumSessionExpiryInterval
		properties.SessionExpiryIntervalFlag = true
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: present,
		ReasonCode:     reason.Code, // [MQTT-3.2.2-8]
		Properties:     *properties,
	}
	return cl.WritePacket(ack)
}

// DisconnectClient sends a Disconnect packet to a v5 client and then closes the
// connection. The connection is stopped with the code as its cause.
func (s *Server) DisconnectClient(cl *Connection, code packets.Code) error {
	var err error
	if cl.Properties.ProtocolVersion == 5 {
		out := packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type: packets.Disconnect,
			},
			ReasonCode: code.Code,
			Properties: packets.Properties{},
		}

		if code.Failed() {
			out.Properties.ReasonString = code.Reason // [MQTT-3.14.2-1]
		}

		// We already have a code we are using to disconnect the client, so we are not
		// interested if the write packet fails due to a closed connection (as we are closing it).
		err = cl.WritePacket(out)
	}

	if !s.Options.Capabilities.Compatibilities.PassiveClientDisconnect {
		cl.Stop(code)
		if code.Failed() {
			return code
		}
	}

	return err
}

// discardSession removes a session and its subscriptions from the broker. Any
// queued messages are dropped. The caller holds attachMu.
func (s *Server) discardSession(sess *Session) {
	if !s.Sessions.Delete(sess) {
		return
	}

	s.unsubscribeSession(sess)
	n := sess.Queue.Clear()
	atomic.AddInt64(&s.Info.MessagesQueued, -int64(n))
	sess.Queue.Close()

	_ = s.hooks.DeleteSession(sess.ID)
}

// persistSession saves a persistent session to any storage hooks.
func (s *Server) persistSession(sess *Session) {
	if !s.hooks.Provides(SaveSession) {
		return
	}

	_ = s.hooks.SaveSession(sess.ToStorage())
}

// persistRetained saves the retained messages to any storage hooks.
func (s *Server) persistRetained(pks []packets.Packet) {
	if !s.hooks.Provides(SaveRetainedMessages) {
		return
	}

	msgs := make([]storage.Message, 0, len(pks))
	for _, pk := range pks {
		msgs = append(msgs, storage.MessageFromPacket(pk))
	}

	_ = s.hooks.SaveRetainedMessages(msgs)
}

// publishSysTopics publishes the current values to the server $SYS topics.
// Due to the int to string conversions this method is not as cheap as
// some of the others so the publishing interval should be set appropriately.
func (s *Server) publishSysTopics() {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: true,
		},
		Created: time.Now().Unix(),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&s.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&s.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&s.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&s.Info.Started))
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(s.Sessions.Len()))
	atomic.StoreInt64(&s.Info.ClientsDisconnected, atomic.LoadInt64(&s.Info.ClientsTotal)-atomic.LoadInt64(&s.Info.ClientsConnected))

	info := s.Info.Clone()
	topics := map[string]string{
		SysPrefix + "/broker/version":              s.Info.Version,
		SysPrefix + "/broker/time":                 Int64toa(info.Time),
		SysPrefix + "/broker/uptime":               Int64toa(info.Uptime),
		SysPrefix + "/broker/started":              Int64toa(info.Started),
		SysPrefix + "/broker/load/bytes/received":  Int64toa(info.BytesReceived),
		SysPrefix + "/broker/load/bytes/sent":      Int64toa(info.BytesSent),
		SysPrefix + "/broker/clients/connected":    Int64toa(info.ClientsConnected),
		SysPrefix + "/broker/clients/disconnected": Int64toa(info.ClientsDisconnected),
		SysPrefix + "/broker/clients/maximum":      Int64toa(info.ClientsMaximum),
		SysPrefix + "/broker/clients/total":        Int64toa(info.ClientsTotal),
		SysPrefix + "/broker/clients/rejected":     Int64toa(info.ClientsRejected),
		SysPrefix + "/broker/sessions/taken_over":  Int64toa(info.SessionsTakenOver),
		SysPrefix + "/broker/keepalive/timeouts":   Int64toa(info.KeepaliveTimeouts),
		SysPrefix + "/broker/packets/received":     Int64toa(info.PacketsReceived),
		SysPrefix + "/broker/packets/sent":         Int64toa(info.PacketsSent),
		SysPrefix + "/broker/messages/received":    Int64toa(info.MessagesReceived),
		SysPrefix + "/broker/messages/sent":        Int64toa(info.MessagesSent),
		SysPrefix + "/broker/messages/dropped":     Int64toa(info.MessagesDropped),
		SysPrefix + "/broker/messages/undelivered": Int64toa(info.MessagesUndelivered),
		SysPrefix + "/broker/messages/queued":      Int64toa(info.MessagesQueued),
		SysPrefix + "/broker/messages/inflight":    Int64toa(info.Inflight),
		SysPrefix + "/broker/messages/timeouts":    Int64toa(info.QosTimeouts),
		SysPrefix + "/broker/retained":             Int64toa(info.Retained),
		SysPrefix + "/broker/subscriptions":        Int64toa(info.Subscriptions),
		SysPrefix + "/broker/system/memory":        Int64toa(info.MemoryAlloc),
		SysPrefix + "/broker/system/threads":       Int64toa(info.Threads),
	}

	for topic, payload := range topics {
		pk.TopicName = topic
		pk.Payload = []byte(payload)
		s.retainMessage(pk.Copy(false))
		s.publishToSubscribers(pk)
	}

	s.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)

	for _, sess := range s.Sessions.GetAll() {
		if sess.Properties().ExpiryInterval > 0 {
			s.persistSession(sess)
		}
	}

	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("mqtt engine stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	for _, cl := range s.Sessions.GetByListener(listener) {
		_ = s.DisconnectClient(cl, packets.ErrServerShuttingDown)
	}
}

// sendLWT issues an LWT message to a topic when a client disconnects without
// a normal disconnect. A v5 will with a delay is held until the delay (or the
// session expiry, if sooner) has elapsed.
func (s *Server) sendLWT(sess *Session) {
	will := sess.Will()
	if will.Flag == 0 {
		return
	}

	sess.ClearWill() // [MQTT-3.1.2-10]

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: will.Retain, // [MQTT-3.1.2-14] [MQTT-3.1.2-15]
			Qos:    will.Qos,
		},
		TopicName: will.TopicName,
		Payload:   will.Payload,
		Properties: packets.Properties{
			User: will.User,
		},
		Origin:  sess.ID,
		Created: time.Now().Unix(),
	}

	delay := will.WillDelayInterval
	if expiry := sess.Properties().ExpiryInterval; expiry < delay {
		delay = expiry // [MQTT-3.1.3-9]
	}

	if delay > 0 {
		pk.Expiry = pk.Created + int64(delay)
		s.loop.willDelayed.Add(sess, pk)
		return
	}

	s.publishWill(sess, pk)
}

// publishWill publishes a will message on behalf of a session.
func (s *Server) publishWill(sess *Session, pk packets.Packet) {
	pk.Expiry = 0
	if err := s.publishMessage(sess, pk); err != nil {
		s.Log.Debug("will message refused", "error", err, "client", sess.ID, "topic", pk.TopicName)
		return
	}

	s.hooks.OnWillSent(sess, pk)
}

// sendDelayedLWT sends any delayed will messages whose delay has elapsed.
func (s *Server) sendDelayedLWT(dt int64) {
	for id, w := range s.loop.willDelayed.GetAll() {
		if dt >= w.pk.Expiry {
			s.loop.willDelayed.Delete(id)
			s.publishWill(w.sess, w.pk) // [MQTT-3.1.2-8]
		}
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredSessions) {
		sessions, err := s.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}
		s.loadSessions(sessions)
		s.Log.Debug("loaded sessions from store", "len", len(sessions))
	}

	if s.hooks.Provides(StoredRetainedMessages) {
		retained, err := s.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("load retained; %w", err)
		}
		s.loadRetained(retained)
		s.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo.Info)
		s.Log.Debug("loaded $SYS info from store")
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v system.Info) {
	if s.Options.Capabilities.Compatibilities.RestoreSysInfoOnRestart {
		atomic.StoreInt64(&s.Info.BytesReceived, v.BytesReceived)
		atomic.StoreInt64(&s.Info.BytesSent, v.BytesSent)
		atomic.StoreInt64(&s.Info.ClientsMaximum, v.ClientsMaximum)
		atomic.StoreInt64(&s.Info.ClientsRejected, v.ClientsRejected)
		atomic.StoreInt64(&s.Info.SessionsTakenOver, v.SessionsTakenOver)
		atomic.StoreInt64(&s.Info.KeepaliveTimeouts, v.KeepaliveTimeouts)
		atomic.StoreInt64(&s.Info.MessagesReceived, v.MessagesReceived)
		atomic.StoreInt64(&s.Info.MessagesSent, v.MessagesSent)
		atomic.StoreInt64(&s.Info.MessagesDropped, v.MessagesDropped)
		atomic.StoreInt64(&s.Info.MessagesUndelivered, v.MessagesUndelivered)
		atomic.StoreInt64(&s.Info.QosTimeouts, v.QosTimeouts)
		atomic.StoreInt64(&s.Info.PacketsReceived, v.PacketsReceived)
		atomic.StoreInt64(&s.Info.PacketsSent, v.PacketsSent)
	}
}

// loadSessions restores persisted sessions from the datastore, registering
// their subscriptions. Sessions which expired while the broker was down are
// deleted from the store instead.
func (s *Server) loadSessions(v []storage.Session) {
	now := time.Now().Unix()
	for _, d := range v {
		if s.Options.DisablePersistentSessions {
			_ = s.hooks.DeleteSession(d.ID)
			continue
		}

		sess := SessionFromStorage(d, s.Options.MaxPendingMessagesPerClient, s.Options.OverflowStrategy)
		if sess.Expired(now) {
			_ = s.hooks.DeleteSession(d.ID)
			continue
		}

		for _, sub := range sess.Subscriptions.GetAll() {
			if s.Topics.Subscribe(sess.ID, sub) {
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
		}

		atomic.AddInt64(&s.Info.MessagesQueued, int64(sess.Queue.Count()))
		s.Sessions.Add(sess)
	}
}

// loadRetained restores retained messages from the datastore.
func (s *Server) loadRetained(v []storage.Message) {
	pks := make([]packets.Packet, 0, len(v))
	for _, msg := range v {
		pks = append(pks, msg.ToPacket())
	}

	s.Retained.Load(pks)
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
}

// clearExpiredSessions deletes any detached sessions whose expiry interval has
// elapsed.
func (s *Server) clearExpiredSessions(dt int64) {
	for _, sess := range s.Sessions.GetAll() {
		s.attachMu.Lock()
		expired := sess.Expired(dt)
		if expired {
			s.discardSession(sess)
		}
		s.attachMu.Unlock()

		if expired {
			if w, ok := s.loop.willDelayed.Get(sess.ID); ok { // [MQTT-3.1.3-9]
				s.loop.willDelayed.Delete(sess.ID)
				s.publishWill(w.sess, w.pk)
			}

			s.Log.Debug("session expired", "client", sess.ID)
			s.hooks.OnSessionExpired(sess)
		}
	}
}

// clearExpiredRetainedMessages deletes retained messages which have expired.
func (s *Server) clearExpiredRetainedMessages(now int64) {
	for _, topic := range s.Retained.ClearExpired(now) {
		s.hooks.OnRetainedExpired(topic)
	}
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// delayedWill is a will message waiting for its delay to elapse.
type delayedWill struct {
	sess *Session
	pk   packets.Packet
}

// delayedWills contains delayed will messages keyed on client id.
type delayedWills struct {
	internal map[string]delayedWill
	sync.RWMutex
}

func newDelayedWills() *delayedWills {
	return &delayedWills{
		internal: map[string]delayedWill{},
	}
}

// Add holds a will message until its expiry time.
func (w *delayedWills) Add(sess *Session, pk packets.Packet) {
	w.Lock()
	defer w.Unlock()
	w.internal[sess.ID] = delayedWill{sess: sess, pk: pk}
}

// Get returns the delayed will for a client id.
func (w *delayedWills) Get(id string) (delayedWill, bool) {
	w.RLock()
	defer w.RUnlock()
	v, ok := w.internal[id]
	return v, ok
}

// GetAll returns a copy of the delayed wills.
func (w *delayedWills) GetAll() map[string]delayedWill {
	w.RLock()
	defer w.RUnlock()
	m := make(map[string]delayedWill, len(w.internal))
	for k, v := range w.internal {
		m[k] = v
	}
	return m
}

// Delete removes the delayed will for a client id.
func (w *delayedWills) Delete(id string) {
	w.Lock()
	defer w.Unlock()
	delete(w.internal, id)
}

// Len returns the number of delayed wills.
func (w *delayedWills) Len() int {
	w.RLock()
	defer w.RUnlock()
	return len(w.internal)
}
