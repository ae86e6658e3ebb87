package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ErrUnavailable matches failures to reach, greet or keep talking to the
// MTA, as opposed to the MTA refusing a transaction.
var ErrUnavailable = errors.New("MTA unavailable")

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string        { return e.err.Error() }
func (e *unavailableError) Unwrap() error        { return e.err }
func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

// unavailable marks err as a connection failure unless the MTA answered
// with a reply code.
func unavailable(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return err
	}
	return &unavailableError{err: err}
}

// Conn reuses one SMTP connection for up to MaxSessions transactions.
// Any protocol or network error closes the connection; the next Send
// reconnects.
type Conn struct {
	Addr        string
	LocalName   string
	User        string
	Pass        string
	Timeout     time.Duration
	MaxSessions int // 0 means unlimited

	client   *smtp.Client
	sessions int
}

func (c *Conn) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.Timeout}
	nc, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return &unavailableError{err: fmt.Errorf("connecting to %s: %w", c.Addr, err)}
	}
	cl := smtp.NewClient(nc)
	cl.CommandTimeout = c.Timeout
	if err := cl.Hello(c.LocalName); err != nil {
		cl.Close() //nolint:errcheck
		return &unavailableError{err: fmt.Errorf("greeting %s: %w", c.Addr, err)}
	}
	if c.User != "" {
		if err := cl.Auth(sasl.NewPlainClient("", c.User, c.Pass)); err != nil {
			cl.Close() //nolint:errcheck
			return &unavailableError{err: fmt.Errorf("authenticating to %s: %w", c.Addr, err)}
		}
	}
	c.client = cl
	c.sessions = 0
	return nil
}

// Send submits data from sender to rcpts in one transaction. Refused
// recipients come back in the map; a returned error means the whole
// transaction failed. Errors matching ErrUnavailable mean the MTA could
// not be reached; an *smtp.SMTPError otherwise means it refused.
func (c *Conn) Send(ctx context.Context, sender string, rcpts []string, data []byte) (map[string]*smtp.SMTPError, error) {
	if c.client == nil {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}
	cl := c.client

	if err := cl.Mail(sender, nil); err != nil {
		c.abort()
		return nil, unavailable(err)
	}
	refused := make(map[string]*smtp.SMTPError)
	for _, r := range rcpts {
		err := cl.Rcpt(r, nil)
		if err == nil {
			continue
		}
		var se *smtp.SMTPError
		if !errors.As(err, &se) {
			c.abort()
			return nil, unavailable(err)
		}
		refused[r] = se
	}

	if len(refused) == len(rcpts) {
		if err := cl.Reset(); err != nil {
			c.abort()
		} else {
			c.finishSession()
		}
		return refused, nil
	}

	w, err := cl.Data()
	if err != nil {
		c.abort()
		return nil, unavailable(err)
	}
	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		w.Close() //nolint:errcheck
		c.abort()
		return nil, unavailable(err)
	}
	if err := w.Close(); err != nil {
		c.abort()
		return nil, unavailable(err)
	}
	c.finishSession()
	return refused, nil
}

func (c *Conn) finishSession() {
	c.sessions++
	if c.MaxSessions > 0 && c.sessions >= c.MaxSessions {
		c.Close() //nolint:errcheck
	}
}

func (c *Conn) abort() {
	if c.client != nil {
		c.client.Close() //nolint:errcheck
		c.client = nil
	}
}

// Close quits the current connection, if any.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Quit()
	if err != nil {
		c.client.Close() //nolint:errcheck
	}
	c.client = nil
	return err
}

// Sessions returns how many transactions the current connection has
// carried.
func (c *Conn) Sessions() int { return c.sessions }
