// Package nntp implements a single authenticated NNTP session: BODY and
// STAT against one server, with yEnc decoding of article bodies.
package nntp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/davmount/davmount/internal/errs"
)

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 60 * time.Second
	bodyTimeout    = 5 * time.Minute
)

// State tracks the lifecycle of a connection inside its pool.
type State int

const (
	StateIdle State = iota
	StateInUse
	StateBroken
	StateClosed
)

// DialConfig carries everything needed to open and authenticate a session.
type DialConfig struct {
	ServerID    string
	Host        string
	Port        int
	TLS         bool
	InsecureTLS bool
	Username    string
	Password    string
}

// Conn is one NNTP session. It is lent to at most one caller at a time;
// the pool owns it otherwise.
type Conn struct {
	cfg     DialConfig
	conn    *textproto.Conn
	netConn net.Conn

	state          State
	authedAt       time.Time
	lastActivityAt time.Time
}

// Dial opens a TCP or TLS session and consumes the server greeting.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		nc  net.Conn
		err error
	)
	if cfg.TLS {
		td := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureTLS},
		}
		nc, err = td.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "dial "+addr, err)
	}

	_ = nc.SetDeadline(time.Now().Add(dialTimeout))
	tp := textproto.NewConn(nc)
	if _, _, err := tp.ReadResponse(200); err != nil {
		tp.Close()
		return nil, classify("greeting", err)
	}
	_ = nc.SetDeadline(time.Time{})

	c := &Conn{
		cfg:            cfg,
		conn:           tp,
		netConn:        nc,
		state:          StateIdle,
		lastActivityAt: time.Now(),
	}

	if cfg.Username != "" {
		if err := c.authenticate(); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// authenticate runs AUTHINFO USER/PASS. A rejected PASS is Fatal: the
// credentials in the configuration are wrong, not the network.
func (c *Conn) authenticate() error {
	c.setDeadline(commandTimeout)

	id, err := c.conn.Cmd("AUTHINFO USER %s", c.cfg.Username)
	if err != nil {
		c.state = StateBroken
		return errs.Wrap(errs.KindTransient, "authinfo user", err)
	}
	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(381)
	c.conn.EndResponse(id)
	if err != nil {
		if code == 281 {
			// Some servers accept the user alone.
			c.authedAt = time.Now()
			return nil
		}
		if code == 481 || code == 482 {
			return errs.E(errs.KindFatal, "authentication rejected", err)
		}
		c.state = StateBroken
		return classify("authinfo user", err)
	}

	id, err = c.conn.Cmd("AUTHINFO PASS %s", c.cfg.Password)
	if err != nil {
		c.state = StateBroken
		return errs.Wrap(errs.KindTransient, "authinfo pass", err)
	}
	c.conn.StartResponse(id)
	code, _, err = c.conn.ReadCodeLine(281)
	c.conn.EndResponse(id)
	if err != nil {
		if code == 481 || code == 482 || code == 502 {
			return errs.E(errs.KindFatal, "authentication rejected", err)
		}
		c.state = StateBroken
		return classify("authinfo pass", err)
	}

	c.authedAt = time.Now()
	return nil
}

// Stat issues STAT <msgid>. It returns false with a nil error when the
// server definitively does not carry the article.
func (c *Conn) Stat(messageID string) (bool, error) {
	c.setDeadline(commandTimeout)
	defer c.touch()

	id, err := c.conn.Cmd("STAT %s", formatMessageID(messageID))
	if err != nil {
		c.state = StateBroken
		return false, errs.Wrap(errs.KindTransient, "stat", err)
	}

	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	code, _, err := c.conn.ReadCodeLine(223)
	if err != nil {
		if code == 430 || code == 423 {
			return false, nil
		}
		if isAuthCode(code) {
			return false, errs.E(errs.KindUnauthorized, "stat unauthorized", err)
		}
		c.state = StateBroken
		return false, classify("stat", err)
	}

	return true, nil
}

// BodyReader issues BODY <msgid> and returns the raw dot-decoded article
// body. The returned release func must be called exactly once after the
// body is consumed (or abandoned) to unblock the textproto pipeline.
func (c *Conn) BodyReader(messageID string) (io.Reader, func(), error) {
	c.setDeadline(commandTimeout)

	id, err := c.conn.Cmd("BODY %s", formatMessageID(messageID))
	if err != nil {
		c.state = StateBroken
		return nil, nil, errs.Wrap(errs.KindTransient, "body", err)
	}

	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(222)
	if err != nil {
		c.conn.EndResponse(id)
		if code == 430 || code == 423 {
			return nil, nil, errs.E(errs.KindNotFound, "article not found", err)
		}
		if isAuthCode(code) {
			return nil, nil, errs.E(errs.KindUnauthorized, "body unauthorized", err)
		}
		c.state = StateBroken
		return nil, nil, classify("body", err)
	}

	c.setDeadline(bodyTimeout)

	release := func() {
		c.conn.EndResponse(id)
		c.touch()
	}
	return c.conn.DotReader(), release, nil
}

// MarkBroken records a protocol or transport fault so the pool retires the
// connection instead of reusing it.
func (c *Conn) MarkBroken() {
	if c.state != StateClosed {
		c.state = StateBroken
	}
}

// State returns the connection lifecycle state.
func (c *Conn) State() State { return c.state }

// SetState is used by the pool when lending and returning.
func (c *Conn) SetState(s State) { c.state = s }

// ServerID identifies the server this session belongs to.
func (c *Conn) ServerID() string { return c.cfg.ServerID }

// LastActivity returns the time of the last completed round-trip.
func (c *Conn) LastActivity() time.Time { return c.lastActivityAt }

// Close terminates the session.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.conn.Close()
}

func (c *Conn) setDeadline(d time.Duration) {
	if c.netConn != nil {
		_ = c.netConn.SetDeadline(time.Now().Add(d))
	}
}

func (c *Conn) touch() {
	c.lastActivityAt = time.Now()
}

// formatMessageID wraps a message-id in angle brackets without
// double-wrapping ids that already carry them.
func formatMessageID(messageID string) string {
	s := strings.TrimSpace(messageID)
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s
	}
	return "<" + s + ">"
}

func isAuthCode(code int) bool {
	return code == 480 || code == 481 || code == 482
}

// classify maps low-level failures onto the error taxonomy. Known
// textproto codes were handled by the caller already; what remains is
// either transport trouble (Transient) or a server speaking something we
// do not expect (Protocol).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := errs.KindOf(err); k != errs.KindUnknown {
		return errs.Wrap(k, op, err)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return errs.E(errs.KindProtocol, op+": unexpected response", err)
	}
	return errs.Wrap(errs.KindTransient, op, err)
}
