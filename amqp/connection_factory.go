package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ConnectionFactory creates and configures AMQP connections
type ConnectionFactory struct {
	// Connection settings
	Host     string
	Port     int
	VHost    string
	Username string
	Password string

	// TLS configuration
	TLS *tls.Config

	// DialFunc overrides the default TCP/TLS dialer when set
	DialFunc func(ctx context.Context) (net.Conn, error)

	// Timeouts
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration

	// AMQP parameters requested during tuning
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration

	// Recovery settings
	AutomaticRecovery       bool
	TopologyRecovery        bool
	RecoveryInterval        time.Duration
	ConnectionRetryAttempts int

	// Publish outbox; empty disables it
	OutboxPath string

	// Client properties sent to the server in Start-Ok
	ClientProperties map[string]interface{}

	// Handlers
	RecoveryHandler RecoveryHandler
	BlockedHandler  BlockedHandler

	Logger  hclog.Logger
	Metrics MetricsCollector
}

// RecoveryHandler receives recovery events
type RecoveryHandler interface {
	OnRecoveryStarted(conn *Connection)
	OnRecoveryCompleted(conn *Connection)
	OnRecoveryFailed(conn *Connection, err error)
	OnTopologyRecoveryStarted(conn *Connection)
	OnTopologyRecoveryCompleted(conn *Connection)
}

// BlockedHandler receives connection blocked/unblocked events
type BlockedHandler interface {
	OnBlocked(conn *Connection, reason string)
	OnUnblocked(conn *Connection)
}

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Host:                    "localhost",
		Port:                    5672,
		VHost:                   "/",
		Username:                "guest",
		Password:                "guest",
		ConnectionTimeout:       60 * time.Second,
		HandshakeTimeout:        10 * time.Second,
		Heartbeat:               10 * time.Second,
		ChannelMax:              0, // 0 = let the server decide
		FrameMax:                0, // 0 = let the server decide
		AutomaticRecovery:       false,
		TopologyRecovery:        true,
		RecoveryInterval:        5 * time.Second,
		ConnectionRetryAttempts: 3,
		ClientProperties:        defaultClientProperties(),
	}

	for _, opt := range opts {
		opt(cf)
	}

	if cf.Logger == nil {
		cf.Logger = hclog.NewNullLogger()
	}
	if cf.Metrics == nil {
		cf.Metrics = NoopMetrics{}
	}

	return cf
}

// NewConnection creates a new connection using the factory settings
func (cf *ConnectionFactory) NewConnection() (*Connection, error) {
	return cf.NewConnectionWithContext(context.Background())
}

// NewConnectionWithContext dials the server, performs the AMQP handshake
// and starts the connection's background goroutines.
func (cf *ConnectionFactory) NewConnectionWithContext(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cf.ConnectionTimeout)
	defer cancel()

	netConn, err := cf.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn := newConnection(cf, netConn)

	hsCtx, hsCancel := context.WithTimeout(ctx, cf.HandshakeTimeout)
	defer hsCancel()

	if err := conn.handshake(hsCtx); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	conn.start()
	cf.Metrics.ConnectionOpened()

	return conn, nil
}

// dial establishes a network connection (TCP or TLS)
func (cf *ConnectionFactory) dial(ctx context.Context) (net.Conn, error) {
	if cf.DialFunc != nil {
		return cf.DialFunc(ctx)
	}

	addr := fmt.Sprintf("%s:%d", cf.Host, cf.Port)
	dialer := &net.Dialer{Timeout: cf.ConnectionTimeout}

	if cf.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: cf.TLS}
		return td.DialContext(ctx, "tcp", addr)
	}

	return dialer.DialContext(ctx, "tcp", addr)
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if cf.DialFunc == nil {
		if cf.Host == "" {
			return fmt.Errorf("host cannot be empty")
		}
		if cf.Port <= 0 || cf.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", cf.Port)
		}
	}
	if cf.VHost == "" {
		return fmt.Errorf("vhost cannot be empty")
	}
	if cf.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if cf.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout cannot be negative, got %v", cf.HandshakeTimeout)
	}
	if cf.Heartbeat < 0 {
		return fmt.Errorf("heartbeat cannot be negative, got %v", cf.Heartbeat)
	}
	if cf.FrameMax != 0 && cf.FrameMax < 4096 {
		return fmt.Errorf("frame max must be 0 or >= 4096, got %d", cf.FrameMax)
	}
	if cf.RecoveryInterval < 0 {
		return fmt.Errorf("recovery interval cannot be negative, got %v", cf.RecoveryInterval)
	}
	if cf.ConnectionRetryAttempts < 0 {
		return fmt.Errorf("connection retry attempts cannot be negative, got %d", cf.ConnectionRetryAttempts)
	}
	return nil
}

func defaultClientProperties() map[string]interface{} {
	return map[string]interface{}{
		"product":  "lapin",
		"version":  "1.0.0",
		"platform": "Go",
		"capabilities": Table{
			"publisher_confirms":           true,
			"exchange_exchange_bindings":   true,
			"basic.nack":                   true,
			"consumer_cancel_notify":       true,
			"connection.blocked":           true,
			"authentication_failure_close": true,
		},
	}
}
