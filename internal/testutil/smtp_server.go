package testutil

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPMessage is one transaction accepted by the fake MTA.
type SMTPMessage struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
}

// SMTPBackend records transactions and fails on demand.
type SMTPBackend struct {
	mu       sync.Mutex
	messages []*SMTPMessage
	sessions int

	// MailErr fails MAIL FROM.
	MailErr error
	// RcptErr fails RCPT TO per address.
	RcptErr map[string]error
	// DataErr fails DATA.
	DataErr error
	// LMTPDataErr holds per-recipient LMTP results, in RCPT order.
	LMTPDataErr []error
}

// Messages returns a copy of the accepted transactions.
func (be *SMTPBackend) Messages() []*SMTPMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*SMTPMessage(nil), be.messages...)
}

// Sessions returns the number of connections seen.
func (be *SMTPBackend) Sessions() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.sessions
}

// SetRcptErr fails RCPT TO for addr with err.
func (be *SMTPBackend) SetRcptErr(addr string, err error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	if be.RcptErr == nil {
		be.RcptErr = make(map[string]error)
	}
	be.RcptErr[addr] = err
}

// NewSession implements smtp.Backend.
func (be *SMTPBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	be.mu.Lock()
	be.sessions++
	be.mu.Unlock()
	return &session{backend: be, msg: &SMTPMessage{}}, nil
}

type session struct {
	backend *SMTPBackend
	user    string
	msg     *SMTPMessage
}

func (s *session) Reset() {
	s.msg = &SMTPMessage{}
}

func (s *session) Logout() error {
	return nil
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		s.user = username
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.backend.mu.Lock()
	err := s.backend.MailErr
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}
	s.Reset()
	s.msg.From = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	err := s.backend.RcptErr[to]
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	s.backend.mu.Lock()
	err := s.backend.DataErr
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.msg.AuthUser = s.user
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if err := s.Data(r); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	for i, rcpt := range s.msg.To {
		var err error
		if i < len(s.backend.LMTPDataErr) {
			err = s.backend.LMTPDataErr[i]
		}
		status.SetStatus(rcpt, err)
	}
	return nil
}

// SMTPServer starts a fake MTA on a free loopback port and returns its
// backend and address. The server is closed when the test ends.
func SMTPServer(t *testing.T) (*SMTPBackend, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	be := new(SMTPBackend)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(l)
	}()
	t.Cleanup(func() {
		s.Close()
		<-done
	})

	return be, l.Addr().String()
}
