// Package rsclient is the peer-side counterpart to internal/room: it
// dials RS, carries the join handshake, and keeps the socket alive
// across transient failures with the reconnect policy from spec
// section 5.
package rsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waterslowdown/clouddrop/internal/room"
)

const (
	minBackoff = 3 * time.Second
	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
)

// Config addresses and authenticates a single room membership.
type Config struct {
	// ServerURL is RS's base address, e.g. "wss://relay.example.com".
	ServerURL string
	// RoomCode is the desired room; empty lets RS assign one.
	RoomCode string
	// Password, if set, is hashed client-side via DerivePasswordHash
	// before every dial attempt. Cleared from memory on 4001/4002.
	Password string
	Name     string
	Device   room.DeviceClass
	Browser  string
}

// Connected reports a successful join, mirroring RS's `joined` frame.
type Connected struct {
	PeerID   string
	RoomCode string
	Peers    []room.PeerInfo
}

// Disconnected reports the socket dropping. Reconnecting is true when
// the client will retry with backoff; false means the failure is
// terminal (a password rejection) and Run stays parked until the caller
// supplies a new password via SetPassword.
type Disconnected struct {
	Err          error
	Reconnecting bool
}

// PasswordRejected reports RS declining the join over password, per
// spec section 4.1's close codes 4001/4002.
type PasswordRejected struct {
	Required bool // true = no hash was presented, false = hash was wrong
}

// Client owns one logical membership in one room, reconnecting for as
// long as Run is active. All fields after construction are only touched
// from the Run goroutine and the exported methods, which serialize
// through cfgMu / sendCh.
type Client struct {
	cfgMu sync.Mutex
	cfg   Config

	sendCh chan room.Message
	events chan interface{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New constructs a Client. Call Run to start dialing; Events to observe
// Connected/Disconnected/PasswordRejected and forwarded room.Messages.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		sendCh:  make(chan room.Message, 64),
		events:  make(chan interface{}, 64),
		closeCh: make(chan struct{}),
	}
}

func (c *Client) Events() <-chan interface{} { return c.events }

func (c *Client) emit(ev interface{}) {
	select {
	case c.events <- ev:
	default:
		log.Printf("[rsclient] event channel full, dropped %T", ev)
	}
}

// Send enqueues a message for delivery on the current (or next
// reconnected) socket. When the queue is full it blocks until there is
// room or the Client is closed; it never drops a message (unlike RS's
// own sendCh, which drops when full).
func (c *Client) Send(msg room.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.closeCh:
		return fmt.Errorf("rsclient: closed")
	}
}

// SetPassword updates the password used on the next dial attempt,
// e.g. after the user retries following a PasswordRejected event.
func (c *Client) SetPassword(password string) {
	c.cfgMu.Lock()
	c.cfg.Password = password
	c.cfgMu.Unlock()
}

// clearPassword implements the Design Notes' explicit correction: unlike
// the source it was distilled from, this client drops in-memory
// password material as soon as RS reports it wrong, rather than holding
// it for a silent retry.
func (c *Client) clearPassword() {
	c.cfgMu.Lock()
	c.cfg.Password = ""
	c.cfgMu.Unlock()
}

func (c *Client) snapshotConfig() Config {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfg
}

// Run dials RS and reconnects with exponential backoff (3s floor, 30s
// cap per spec section 5) until ctx is cancelled or Close is called. A
// password rejection is terminal for the current password: Run parks
// until SetPassword installs a new one, then resumes dialing, per spec
// section 7's "password errors -> do not reconnect; prompt user."
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		err := c.runOnce(ctx)
		if err == nil {
			backoff = minBackoff
			continue
		}

		if rej, ok := err.(*passwordRejectedError); ok {
			// Clear before emitting, so a SetPassword made in response to
			// the event is not wiped afterwards.
			c.clearPassword()
			c.emit(PasswordRejected{Required: rej.required})
			c.emit(Disconnected{Err: err, Reconnecting: false})
			if !c.waitForNewPassword(ctx) {
				return
			}
			backoff = minBackoff
			continue
		}

		c.emit(Disconnected{Err: err, Reconnecting: true})
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// waitForNewPassword blocks until the config's password becomes
// non-empty again, polling cheaply since SetPassword has no associated
// wakeup channel of its own.
func (c *Client) waitForNewPassword(ctx context.Context) bool {
	for {
		if c.snapshotConfig().Password != "" {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.closeCh:
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
}

type passwordRejectedError struct {
	required bool
}

func (e *passwordRejectedError) Error() string {
	if e.required {
		return "rsclient: password required"
	}
	return "rsclient: password incorrect"
}

// runOnce performs one full dial-join-serve cycle, returning when the
// socket drops or the join is rejected.
func (c *Client) runOnce(ctx context.Context) error {
	cfg := c.snapshotConfig()

	dialURL, err := buildDialURL(cfg)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{},
	}
	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("rsclient: dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	if err := conn.WriteJSON(room.Message{
		Type: room.TypeJoin,
		Data: room.JoinData{Name: cfg.Name, DeviceType: cfg.Device, BrowserInfo: cfg.Browser},
	}); err != nil {
		return fmt.Errorf("rsclient: send join: %w", err)
	}

	var first room.Message
	if err := conn.ReadJSON(&first); err != nil {
		if closeErr, ok := err.(*websocket.CloseError); ok {
			switch closeErr.Code {
			case room.CloseCodePasswordRequired:
				return &passwordRejectedError{required: true}
			case room.CloseCodePasswordIncorrect:
				return &passwordRejectedError{required: false}
			}
		}
		return fmt.Errorf("rsclient: read join response: %w", err)
	}
	if first.Type == room.TypeError {
		var ed room.ErrorData
		_ = room.DecodeData(first.Data, &ed)
		switch ed.Error {
		case room.ErrPasswordRequired:
			return &passwordRejectedError{required: true}
		case room.ErrPasswordIncorrect:
			return &passwordRejectedError{required: false}
		default:
			return fmt.Errorf("rsclient: join rejected: %s", ed.Error)
		}
	}
	var joined room.JoinedData
	if err := room.DecodeData(first.Data, &joined); err != nil {
		return fmt.Errorf("rsclient: decode joined: %w", err)
	}
	c.emit(Connected{PeerID: joined.PeerID, RoomCode: joined.RoomCode, Peers: joined.Peers})

	return c.serve(ctx, conn)
}

// serve runs the read and write pumps for one live connection, mirroring
// RS's own writePump discipline (gorilla/websocket forbids concurrent
// writers on a single connection).
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErrCh := make(chan error, 1)
	stopWrite := make(chan struct{})
	defer close(stopWrite)

	go func() {
		for {
			var msg room.Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErrCh <- err
				return
			}
			c.emit(msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case err := <-readErrCh:
			return err
		case msg := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}

// Close stops Run permanently; the Client is not reusable afterward.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

func buildDialURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("rsclient: invalid server url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	if cfg.RoomCode != "" {
		q.Set("room", cfg.RoomCode)
	}
	if cfg.Password != "" && cfg.RoomCode != "" {
		q.Set("passwordHash", DerivePasswordHash(cfg.RoomCode, cfg.Password))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
