package lmtp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/inbound"
)

var (
	errProcessing = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: error in processing",
	}
	errDefects = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message has defects",
	}
	errMailbox = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Requested action not taken: mailbox unavailable",
	}
	errNoMessageID = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "No Message-ID header provided",
	}
)

type recipient struct {
	addr string
	dest *inbound.Destination
}

// Session implements the go-smtp Session and LMTPSession interfaces.
type Session struct {
	backend    *Backend
	from       string
	recipients []recipient
	logger     *slog.Logger
}

// Reset discards the current transaction.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	s.backend.stack.Collector.ConnectionClosed()
	return nil
}

// Mail handles MAIL FROM.
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt accepts only addresses that belong to a list.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	dest, err := s.backend.router.Route(to)
	switch {
	case errors.Is(err, inbound.ErrUnknownList), errors.Is(err, inbound.ErrUnknownSubaddress):
		s.backend.stack.Collector.MessageRejected("unknown_recipient")
		s.logger.Debug("rejecting recipient", slog.String("to", to), slog.String("error", err.Error()))
		return errMailbox
	case err != nil:
		s.logger.Error("routing recipient", slog.String("to", to), slog.String("error", err.Error()))
		return errProcessing
	}
	s.recipients = append(s.recipients, recipient{addr: to, dest: dest})
	s.logger.Debug("RCPT TO", slog.String("to", to), slog.String("queue", dest.Queue))
	return nil
}

type firstError struct {
	err error
}

func (f *firstError) SetStatus(_ string, err error) {
	if f.err == nil {
		f.err = err
	}
}

// Data handles DATA on a plain SMTP connection. Any recipient failure
// fails the whole message.
func (s *Session) Data(r io.Reader) error {
	var status firstError
	if err := s.LMTPData(r, &status); err != nil {
		return err
	}
	return status.err
}

// LMTPData queues one copy per recipient and reports a status for each.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.logger.Debug("reading message", slog.String("error", err.Error()))
		return errProcessing
	}
	msg, err := email.Parse(raw)
	if err != nil {
		s.backend.stack.Collector.MessageRejected("defects")
		s.logger.Info("rejecting unparseable message", slog.String("error", err.Error()))
		return errDefects
	}
	if err := inbound.Prepare(msg, s.from); err != nil {
		s.backend.stack.Collector.MessageRejected("no_message_id")
		s.logger.Info("rejecting message", slog.String("from", s.from), slog.String("error", err.Error()))
		return errNoMessageID
	}

	received := s.backend.stack.Now()
	queued := make(map[string]string)
	for _, rcpt := range s.recipients {
		key := fmt.Sprintf("%s\x00%s\x00%s", rcpt.dest.Queue, rcpt.dest.Meta.ListName(), strings.ToLower(rcpt.addr))
		if id, ok := queued[key]; ok {
			s.logger.Debug("duplicate recipient", slog.String("to", rcpt.addr), slog.String("id", id))
			status.SetStatus(rcpt.addr, nil)
			continue
		}
		id, err := inbound.Enqueue(s.backend.stack.Queues, rcpt.dest, msg, len(raw), received)
		if err != nil {
			s.logger.Error("queueing message",
				slog.String("to", rcpt.addr),
				slog.String("queue", rcpt.dest.Queue),
				slog.String("error", err.Error()))
			status.SetStatus(rcpt.addr, errProcessing)
			continue
		}
		queued[key] = id
		s.backend.stack.Collector.MessageReceived(rcpt.dest.List.MailHost, int64(len(raw)))
		s.logger.Info("message queued",
			slog.String("message_id", msg.MessageID()),
			slog.String("to", rcpt.addr),
			slog.String("queue", rcpt.dest.Queue),
			slog.String("id", id))
		status.SetStatus(rcpt.addr, nil)
	}
	return nil
}
