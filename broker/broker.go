// Package broker is the STOMP transport shared by all testbed agents.
// It maintains one session against ActiveMQ/Artemis, funnels every
// subscription into a single frame channel and reconnects with
// resubscription after a connection loss.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/eic-swf/testbed"
)

// Environment variables resolved by SettingsFromEnv.
const (
	EnvHost       = "ACTIVEMQ_HOST"
	EnvPort       = "ACTIVEMQ_PORT"
	EnvUser       = "ACTIVEMQ_USER"
	EnvPassword   = "ACTIVEMQ_PASSWORD"
	EnvUseSSL     = "ACTIVEMQ_USE_SSL"
	EnvSSLCACerts = "ACTIVEMQ_SSL_CA_CERTS"
)

const (
	defaultPort       = "61612"
	connectAttempts   = 3
	connectBackoff    = 5 * time.Second
	heartBeatInterval = 30 * time.Second
)

// Settings holds the broker connection parameters.
type Settings struct {
	Host     string
	Port     string
	User     string
	Password string
	UseSSL   bool
	CACerts  string
}

// SettingsFromEnv reads the ACTIVEMQ_* environment. The port defaults to
// 61612, the host to localhost.
func SettingsFromEnv() Settings {
	s := Settings{
		Host:     os.Getenv(EnvHost),
		Port:     os.Getenv(EnvPort),
		User:     os.Getenv(EnvUser),
		Password: os.Getenv(EnvPassword),
		CACerts:  os.Getenv(EnvSSLCACerts),
	}
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == "" {
		s.Port = defaultPort
	}
	switch os.Getenv(EnvUseSSL) {
	case "1", "true", "True", "TRUE", "yes":
		s.UseSSL = true
	}
	return s
}

// Addr returns host:port.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Conn is an established broker connection implementing testbed.Transport.
type Conn struct {
	settings Settings
	logger   *slog.Logger
	frames   chan testbed.Frame
	done     chan struct{}

	mu           sync.Mutex
	conn         *stomp.Conn
	destinations []string
	subs         []*stomp.Subscription
	reconnecting bool
	closed       bool

	wg sync.WaitGroup
}

var _ testbed.Transport = (*Conn)(nil)

// Dial connects to the broker: 3 attempts with a 5 second backoff, then
// *testbed.ErrTransportConnect. A failed Dial is fatal to the agent.
func Dial(ctx context.Context, settings Settings, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = nopLogger
	}
	c := &Conn{
		settings: settings,
		logger:   logger.With("broker", settings.Addr()),
		frames:   make(chan testbed.Frame, 64),
		done:     make(chan struct{}),
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.logger.Info("broker connected")
	return c, nil
}

func (c *Conn) connect(ctx context.Context) (*stomp.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := c.dialOnce()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("broker connect failed", "attempt", attempt, "error", err)
		if attempt < connectAttempts {
			select {
			case <-ctx.Done():
				return nil, &testbed.ErrTransportConnect{Addr: c.settings.Addr(), Attempts: attempt, Err: ctx.Err()}
			case <-time.After(connectBackoff):
			}
		}
	}
	return nil, &testbed.ErrTransportConnect{Addr: c.settings.Addr(), Attempts: connectAttempts, Err: lastErr}
}

func (c *Conn) dialOnce() (*stomp.Conn, error) {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.AcceptVersion(stomp.V11, stomp.V12),
		stomp.ConnOpt.HeartBeat(heartBeatInterval, heartBeatInterval),
	}
	if c.settings.User != "" {
		opts = append(opts, stomp.ConnOpt.Login(c.settings.User, c.settings.Password))
	}
	if !c.settings.UseSSL {
		return stomp.Dial("tcp", c.settings.Addr(), opts...)
	}
	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	netConn, err := tls.Dial("tcp", c.settings.Addr(), tlsCfg)
	if err != nil {
		return nil, err
	}
	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Conn) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: c.settings.Host}
	if c.settings.CACerts != "" {
		pem, err := os.ReadFile(c.settings.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read CA certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.settings.CACerts)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Subscribe registers a destination with auto acknowledgement and starts
// pumping its messages into the shared Frames channel. The destination is
// remembered for resubscription after a reconnect.
func (c *Conn) Subscribe(destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("subscribe %s: connection closed", destination)
	}
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	c.destinations = append(c.destinations, destination)
	c.subs = append(c.subs, sub)
	c.wg.Add(1)
	go c.pump(destination, sub)
	return nil
}

// Frames returns the merged inbound channel. It is closed when the
// connection shuts down or a reconnect fails permanently.
func (c *Conn) Frames() <-chan testbed.Frame { return c.frames }

func (c *Conn) pump(destination string, sub *stomp.Subscription) {
	defer c.wg.Done()
	for {
		msg, err := sub.Read()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("subscription lost", "destination", destination, "error", err)
				go c.reconnect()
			}
			return
		}
		f := testbed.Frame{
			Destination: msg.Destination,
			ContentType: msg.ContentType,
			Headers:     headerMap(msg.Header),
			Body:        msg.Body,
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func headerMap(h *frame.Header) map[string]string {
	if h == nil {
		return nil
	}
	m := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		m[k] = v
	}
	return m
}

// reconnect re-establishes the session and resubscribes every recorded
// destination. Single flight: concurrent pump failures trigger one
// reconnect. A permanent failure closes the Frames channel, which ends the
// agent's dispatch loop.
func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	old := c.conn
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	conn, err := c.connect(context.Background())
	if err != nil {
		c.logger.Error("broker reconnect failed, shutting down transport", "error", err)
		c.Close()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Disconnect()
		return
	}
	c.conn = conn
	c.subs = c.subs[:0]
	destinations := append([]string(nil), c.destinations...)
	for _, dest := range destinations {
		sub, err := conn.Subscribe(dest, stomp.AckAuto)
		if err != nil {
			c.logger.Error("resubscribe failed", "destination", dest, "error", err)
			continue
		}
		c.subs = append(c.subs, sub)
		c.wg.Add(1)
		go c.pump(dest, sub)
	}
	c.reconnecting = false
	c.mu.Unlock()
	c.logger.Info("broker reconnected", "subscriptions", len(destinations))
}

// Publish sends a JSON frame. Errors are returned for the caller to log;
// status broadcasts treat them as best effort.
func (c *Conn) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("publish %s: connection closed", destination)
	}
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if err := conn.Send(destination, "application/json", body, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

// Close disconnects and closes the Frames channel after all subscription
// pumps have drained.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Disconnect()
	}
	go func() {
		c.wg.Wait()
		close(c.frames)
	}()
	return err
}
