package antispam

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/config"
)

func rspamdServer(t *testing.T, status int, body string, seen *http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusOK)
			return
		case "/checkv2":
		default:
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			*seen = r.Header.Clone()
		}
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRspamdCheck(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantAction Action
		wantSpam   bool
		wantScore  float64
	}{
		{"ham", `{"score":1.5,"required_score":15,"action":"no action","is_spam":false}`, ActionAccept, false, 1.5},
		{"reject", `{"score":20.5,"required_score":15,"action":"reject","is_spam":true}`, ActionReject, true, 20.5},
		{"greylist", `{"score":4,"required_score":15,"action":"greylist","is_spam":false}`, ActionTempFail, false, 4},
		{"soft reject", `{"score":9,"required_score":15,"action":"soft reject","is_spam":false}`, ActionTempFail, false, 9},
		{"add header", `{"score":8,"required_score":15,"action":"add header","is_spam":true}`, ActionFlag, true, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := rspamdServer(t, http.StatusOK, tt.body, nil)
			c := NewRspamd(srv.URL+"/", "", time.Second)
			v, err := c.Check(context.Background(), []byte("Subject: hi\r\n\r\nhi\r\n"), Options{})
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if v.Action != tt.wantAction || v.IsSpam != tt.wantSpam || v.Score != tt.wantScore {
				t.Errorf("verdict = %+v", v)
			}
			if v.Headers["X-Spam-Checker"] != "rspamd" {
				t.Errorf("headers = %v", v.Headers)
			}
		})
	}
}

func TestRspamdRequestHeaders(t *testing.T) {
	var seen http.Header
	srv := rspamdServer(t, http.StatusOK, `{"score":0,"action":"no action"}`, &seen)
	c := NewRspamd(srv.URL, "secret", time.Second)
	_, err := c.Check(context.Background(), []byte("x"), Options{
		From:       "anne@example.com",
		Recipients: []string{"ant@example.com", "bee@example.com"},
		Hostname:   "lists.example.com",
		QueueID:    "1234+abcd",
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if seen.Get("From") != "anne@example.com" || seen.Get("Password") != "secret" ||
		seen.Get("Hostname") != "lists.example.com" || seen.Get("Queue-Id") != "1234+abcd" {
		t.Errorf("request headers = %v", seen)
	}
	if got := seen.Values("Rcpt"); len(got) != 2 {
		t.Errorf("Rcpt = %v", got)
	}
}

func TestRspamdMilterHeaders(t *testing.T) {
	body := `{"score":3,"required_score":15,"action":"no action","is_spam":false,
		"milter":{"add_headers":{"X-Spamd-Bar":{"value":"+++"},"X-Spam-Level":{"value":"ignored"}}}}`
	srv := rspamdServer(t, http.StatusOK, body, nil)
	v, err := NewRspamd(srv.URL, "", time.Second).Check(context.Background(), []byte("x"), Options{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v.Headers["X-Spamd-Bar"] != "+++" {
		t.Errorf("X-Spamd-Bar = %q", v.Headers["X-Spamd-Bar"])
	}
	if _, ok := v.Headers["X-Spam-Level"]; ok {
		t.Errorf("milter X-Spam-* header was copied")
	}
	if v.Headers["X-Spam-Flag"] != "NO" || v.Headers["X-Spam-Status"] != "No, score=3.00 required=15.00" {
		t.Errorf("headers = %v", v.Headers)
	}
}

func TestRspamdErrors(t *testing.T) {
	srv := rspamdServer(t, http.StatusInternalServerError, "boom", nil)
	if _, err := NewRspamd(srv.URL, "", time.Second).Check(context.Background(), []byte("x"), Options{}); err == nil {
		t.Error("expected an error for a 500 response")
	}

	bad := rspamdServer(t, http.StatusOK, "not json", nil)
	if _, err := NewRspamd(bad.URL, "", time.Second).Check(context.Background(), []byte("x"), Options{}); err == nil {
		t.Error("expected a decoding error")
	}

	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()
	_, err := NewRspamd(url, "", time.Second).Check(context.Background(), []byte("x"), Options{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestRspamdPing(t *testing.T) {
	srv := rspamdServer(t, http.StatusOK, "", nil)
	if err := NewRspamd(srv.URL, "", time.Second).Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

type fakeChecker struct {
	v   *Verdict
	err error
}

func (f fakeChecker) Name() string { return "fake" }
func (f fakeChecker) Check(context.Context, []byte, Options) (*Verdict, error) {
	return f.v, f.err
}
func (f fakeChecker) Close() error { return nil }

func TestFilterScan(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		filter  *Filter
		want    bool
		wantErr bool
	}{
		{"nil filter", nil, false, false},
		{"ham", &Filter{Checker: fakeChecker{v: &Verdict{Score: 2}}}, false, false},
		{"scanner says spam", &Filter{Checker: fakeChecker{v: &Verdict{Score: 2, IsSpam: true}}}, true, false},
		{"threshold overrides", &Filter{Checker: fakeChecker{v: &Verdict{Score: 2, IsSpam: true}}, Threshold: 5}, false, false},
		{"over threshold", &Filter{Checker: fakeChecker{v: &Verdict{Score: 7}}, Threshold: 5}, true, false},
		{"reject action", &Filter{Checker: fakeChecker{v: &Verdict{Action: ActionReject}}, Threshold: 5}, true, false},
		{"fail open", &Filter{Checker: fakeChecker{err: boom}, FailMode: FailOpen}, false, true},
		{"fail closed", &Filter{Checker: fakeChecker{err: boom}, FailMode: FailClosed}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := tt.filter.Scan(context.Background(), []byte("x"), Options{})
			if got != tt.want || (err != nil) != tt.wantErr {
				t.Errorf("Scan() = %v, %v; want %v, err %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	if f := FromConfig(config.RspamdConfig{}); f != nil {
		t.Errorf("FromConfig(empty) = %+v, want nil", f)
	}
	f := FromConfig(config.RspamdConfig{URL: "http://localhost:11333", Threshold: 6, FailMode: "closed"})
	if f == nil || f.Threshold != 6 || f.FailMode != FailClosed {
		t.Fatalf("FromConfig() = %+v", f)
	}
	if f.Checker.Name() != "rspamd" {
		t.Errorf("checker = %s", f.Checker.Name())
	}
}
