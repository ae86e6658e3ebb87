package pipeline

import (
	"context"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

var (
	// Headers that may carry a moderator password.
	credentialHeaders = []string{"Approved", "Approve", "X-Approved", "X-Approve", "Urgent"}
	// Headers that let a sender probe the membership.
	receiptHeaders = []string{
		"Return-Receipt-To", "Disposition-Notification-To",
		"X-Confirm-Reading-To", "X-Pmrqc",
	}
	// Headers that identify the poster on anonymous lists.
	identityHeaders = []string{
		"From", "Reply-To", "Sender", "Organization", "Return-Path",
		"X-Originating-Email",
	}
	dkimHeaders = []string{"DomainKey-Signature", "DKIM-Signature", "Authentication-Results"}
)

func deleteAll(msg *email.Message, keys []string) {
	for _, k := range keys {
		msg.Header.Del(k)
	}
}

func cleanse(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	msg := env.Message
	deleteAll(msg, credentialHeaders)
	deleteAll(msg, receiptHeaders)
	// Only the list's own archiver may say where a post is archived.
	msg.Header.Del("Archived-At")
	if l.Anonymous {
		deleteAll(msg, identityHeaders)
		msg.Header.Set("From", email.Address{Name: l.DisplayName, Email: l.PostingAddress()}.String())
		msg.Header.Set("Reply-To", l.PostingAddress())
	}
	return Next, nil
}

func cleanseDKIM(msg *email.Message) {
	deleteAll(msg, dkimHeaders)
}
