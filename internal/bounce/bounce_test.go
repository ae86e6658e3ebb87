package bounce

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/delivery"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/testutil"
)

// recorder counts the bounce events written through it.
type recorder struct {
	lists.Manager
	events []*lists.BounceEvent
}

func (r *recorder) RecordBounce(e *lists.BounceEvent) (uint64, error) {
	r.events = append(r.events, e)
	return r.Manager.RecordBounce(e)
}

func setup(t *testing.T) (*testutil.Clock, *core.Stack, *lists.List, *recorder, *Processor) {
	t.Helper()
	clock := &testutil.Clock{T: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s := testutil.NewStack(t, clock)
	l := testutil.CreateList(t, s, "ant", "example.com", "anne@example.com")
	rec := &recorder{Manager: s.Lists}
	s.Lists = rec
	p, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return clock, s, l, rec, p
}

func member(t *testing.T, s *core.Stack, l *lists.List, addr string) *lists.Member {
	t.Helper()
	m, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, addr)
	if err != nil {
		t.Fatalf("Member(%s) error = %v", addr, err)
	}
	return m
}

const dsn = "From: MAILER-DAEMON@mx.example.net\r\n" +
	"To: ant-bounces@example.com\r\n" +
	"Subject: Delivery Status Notification\r\n" +
	"Message-ID: <dsn.1@mx.example.net>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"XX\"\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Delivery to the following recipients failed.\r\n" +
	"--XX\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns; mx.example.net\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; Anne@Example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"\r\n" +
	"Original-Recipient: rfc822;slow@example.org\r\n" +
	"Final-Recipient: rfc822; slow@relay.example.org\r\n" +
	"Action: delayed\r\n" +
	"Status: 4.4.1\r\n" +
	"--XX--\r\n"

func TestScanDSN(t *testing.T) {
	got := ScanDSN(testutil.ParseMessage(t, dsn))
	if len(got.Failed) != 1 || got.Failed[0] != "anne@example.com" {
		t.Errorf("Failed = %v", got.Failed)
	}
	if len(got.Delayed) != 1 || got.Delayed[0] != "slow@example.org" {
		t.Errorf("Delayed = %v", got.Delayed)
	}

	plain := testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "no report here")
	if got := ScanDSN(plain); len(got.Failed)+len(got.Delayed) != 0 {
		t.Errorf("ScanDSN(plain) = %+v", got)
	}
}

func TestProcessVERP(t *testing.T) {
	_, s, l, rec, p := setup(t)
	to := delivery.VERPSender(s.Config.MTA.VERPFormat, l.BouncesAddress(), "anne@example.com")
	msg := testutil.ParseMessage(t, "From: MAILER-DAEMON@mx.example.net\r\n"+
		"To: "+to+"\r\n"+
		"Subject: failure\r\n"+
		"\r\n"+
		"mailbox unavailable\r\n")

	if err := p.Process(context.Background(), l, msg, envelope.Metadata{}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].Email != "anne@example.com" || rec.events[0].Context != lists.BounceNormal {
		t.Fatalf("events = %+v", rec.events)
	}
	if m := member(t, s, l, "anne@example.com"); m.BounceScore != 1 {
		t.Errorf("BounceScore = %v", m.BounceScore)
	}
	pending, err := s.Lists.UnprocessedBounces()
	if err != nil || len(pending) != 0 {
		t.Errorf("UnprocessedBounces() = %d, %v", len(pending), err)
	}
}

func TestProcessDSN(t *testing.T) {
	_, _, l, rec, p := setup(t)
	if err := p.Process(context.Background(), l, testutil.ParseMessage(t, dsn), envelope.Metadata{}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].Email != "anne@example.com" {
		t.Errorf("events = %+v", rec.events)
	}
	if rec.events[0].MessageID != "<dsn.1@mx.example.net>" {
		t.Errorf("MessageID = %q", rec.events[0].MessageID)
	}
}

func TestScoreOncePerDay(t *testing.T) {
	clock, s, l, _, p := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.Register(ctx, l, "anne@example.com", nil, lists.BounceNormal); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Hour)
	}
	if m := member(t, s, l, "anne@example.com"); m.BounceScore != 1 {
		t.Errorf("same-day BounceScore = %v, want 1", m.BounceScore)
	}
	clock.Advance(24 * time.Hour)
	if err := p.Register(ctx, l, "anne@example.com", nil, lists.BounceNormal); err != nil {
		t.Fatal(err)
	}
	if m := member(t, s, l, "anne@example.com"); m.BounceScore != 2 {
		t.Errorf("next-day BounceScore = %v, want 2", m.BounceScore)
	}
}

func TestThresholdDisables(t *testing.T) {
	clock, s, l, _, p := setup(t)
	l.BounceScoreThreshold = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.Register(ctx, l, "anne@example.com", nil, lists.BounceNormal); err != nil {
			t.Fatal(err)
		}
		clock.Advance(25 * time.Hour)
	}
	m := member(t, s, l, "anne@example.com")
	if m.DeliveryStatus() != lists.ByBounces {
		t.Fatalf("DeliveryStatus = %s", m.DeliveryStatus())
	}
	if m.DisabledAt.IsZero() {
		t.Error("DisabledAt not set")
	}
	envs := testutil.Drain(t, s, switchboard.Virgin)
	if len(envs) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(envs))
	}
	if r := envs[0].Meta.Recipients(); len(r) != 1 || r[0] != "anne@example.com" {
		t.Errorf("notice recipients = %v", r)
	}
	if !strings.Contains(envs[0].Message.Subject(), "membership disabled") {
		t.Errorf("notice subject = %q", envs[0].Message.Subject())
	}

	// Disabled members are no longer scored.
	clock.Advance(25 * time.Hour)
	if err := p.Register(ctx, l, "anne@example.com", nil, lists.BounceNormal); err != nil {
		t.Fatal(err)
	}
	if got := testutil.Count(t, s, switchboard.Virgin); got != 0 {
		t.Errorf("second notice sent")
	}
}

func TestProbe(t *testing.T) {
	_, s, l, _, p := setup(t)
	l.BounceScoreThreshold = 1
	l.SendProbes = true
	ctx := context.Background()

	original := testutil.Post(t, "bart@example.org", "ant@example.com", "hello", "hi")
	if err := p.Register(ctx, l, "anne@example.com", original, lists.BounceNormal); err != nil {
		t.Fatal(err)
	}
	if m := member(t, s, l, "anne@example.com"); m.DeliveryStatus() != lists.Enabled {
		t.Fatalf("member disabled before the probe bounced")
	}
	envs := testutil.Drain(t, s, switchboard.Virgin)
	if len(envs) != 1 {
		t.Fatalf("expected 1 probe, got %d", len(envs))
	}
	probe := envs[0]
	token := probe.Meta.String(envelope.KeyProbeToken)
	if token == "" {
		t.Fatal("probe has no token")
	}
	if !probe.Message.IsMultipart() || len(probe.Message.Parts) != 2 {
		t.Errorf("probe does not attach the bounced message")
	}

	to := delivery.ProbeSender(s.Config.MTA.VERPProbeFormat, l.BouncesAddress(), token)
	bounce := testutil.ParseMessage(t, "From: MAILER-DAEMON@mx.example.net\r\n"+
		"To: "+to+"\r\n"+
		"Subject: failure\r\n"+
		"\r\n"+
		"no such user\r\n")
	if err := p.Process(ctx, l, bounce, envelope.Metadata{}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if m := member(t, s, l, "anne@example.com"); m.DeliveryStatus() != lists.ByBounces {
		t.Errorf("DeliveryStatus after probe bounce = %s", m.DeliveryStatus())
	}
	if _, _, err := p.ResolveProbe(ctx, token); err == nil {
		t.Error("probe token still valid after use")
	}
}

func TestUnrecognized(t *testing.T) {
	tests := []struct {
		forward lists.UnrecognizedBounces
		want    []string
	}{
		{lists.BouncesDiscard, nil},
		{lists.BouncesAdministrators, []string{"owner@example.com"}},
		{lists.BouncesSiteOwner, []string{"postmaster@example.com"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.forward), func(t *testing.T) {
			_, s, l, rec, p := setup(t)
			testutil.AddRole(t, s, l, "owner@example.com", lists.RoleOwner)
			l.ForwardUnrecognizedBouncesTo = tt.forward
			msg := testutil.Post(t, "MAILER-DAEMON@mx.example.net", l.BouncesAddress(), "huh", "something went wrong")

			if err := p.Process(context.Background(), l, msg, envelope.Metadata{}); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if len(rec.events) != 0 {
				t.Errorf("events = %+v", rec.events)
			}
			envs := testutil.Drain(t, s, switchboard.Virgin)
			if len(envs) != len(tt.want) {
				t.Fatalf("notices = %d, want %d", len(envs), len(tt.want))
			}
			if len(envs) == 1 {
				r := envs[0].Meta.Recipients()
				if len(r) != 1 || r[0] != tt.want[0] {
					t.Errorf("recipients = %v, want %v", r, tt.want)
				}
			}
		})
	}
}

func TestNonMemberBounce(t *testing.T) {
	_, s, l, rec, p := setup(t)
	if err := p.Register(context.Background(), l, "stranger@example.net", nil, lists.BounceNormal); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(rec.events) != 1 {
		t.Errorf("events = %d", len(rec.events))
	}
	if got := testutil.Count(t, s, switchboard.Virgin); got != 0 {
		t.Errorf("virgin = %d", got)
	}
}
