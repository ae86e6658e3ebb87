package email

import (
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
)

// Stamp gives a locally crafted message a Date and a Message-ID when it
// lacks them.
func (m *Message) Stamp(now time.Time) error {
	h := gomail.Header{Header: message.Header{Header: m.Header}}
	if !h.Has("Date") {
		h.SetDate(now)
	}
	if !h.Has("Message-Id") {
		if err := h.GenerateMessageID(); err != nil {
			return err
		}
	}
	m.Header = h.Header.Header
	return nil
}
