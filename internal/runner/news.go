package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
)

// Poster posts one article to a news server.
type Poster interface {
	Post(ctx context.Context, article []byte) error
}

// NNTPPoster posts over a fresh NNTP connection per article.
type NNTPPoster struct {
	Addr     string
	User     string
	Password string
	Timeout  time.Duration
}

// NewNNTPPoster returns a poster for the configured server.
func NewNNTPPoster(cfg config.NNTPConfig) *NNTPPoster {
	return &NNTPPoster{
		Addr:     cfg.Address(),
		User:     cfg.User,
		Password: cfg.Password,
		Timeout:  2 * time.Minute,
	}
}

// Post sends article with POST. Server refusals are returned as
// *textproto.Error.
func (p *NNTPPoster) Post(ctx context.Context, article []byte) error {
	d := net.Dialer{Timeout: p.Timeout}
	nc, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	if p.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(p.Timeout))
	}
	conn := textproto.NewConn(nc)
	defer conn.Close()

	// 200 posting allowed, 201 not.
	if _, _, err := conn.ReadCodeLine(200); err != nil {
		return err
	}
	if p.User != "" {
		if err := p.auth(conn); err != nil {
			return err
		}
	}
	if _, err := cmd(conn, 340, "POST"); err != nil {
		return err
	}
	w := conn.DotWriter()
	if _, err := w.Write(article); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if _, _, err := conn.ReadCodeLine(240); err != nil {
		return err
	}
	_, _ = cmd(conn, 205, "QUIT")
	return nil
}

func (p *NNTPPoster) auth(conn *textproto.Conn) error {
	code, err := cmd(conn, 0, "AUTHINFO USER %s", p.User)
	if err != nil {
		return err
	}
	switch code {
	case 281:
		return nil
	case 381:
		_, err = cmd(conn, 281, "AUTHINFO PASS %s", p.Password)
		return err
	}
	return &textproto.Error{Code: code, Msg: "unexpected AUTHINFO USER response"}
}

// cmd sends a command and reads the reply. expect 0 accepts any code.
func cmd(conn *textproto.Conn, expect int, format string, args ...any) (int, error) {
	id, err := conn.Cmd(format, args...)
	if err != nil {
		return 0, err
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)
	code, _, err := conn.ReadCodeLine(expect)
	return code, err
}

// News gateways list posts to the linked newsgroup.
type News struct {
	stack  *core.Stack
	poster Poster
}

// NewNews returns the news-queue disposer.
func NewNews(s *core.Stack) *News {
	return &News{stack: s, poster: NewNNTPPoster(s.Config.NNTP)}
}

// NewNewsWithPoster returns a news-queue disposer posting through p.
func NewNewsWithPoster(s *core.Stack, p Poster) *News {
	return &News{stack: s, poster: p}
}

func (n *News) Dispose(ctx context.Context, l *lists.List, env *envelope.Envelope) (bool, error) {
	if l == nil {
		return false, ErrListRequired
	}
	logger := logging.FromContext(ctx)
	if !env.Meta.Bool(envelope.KeyPrepped) {
		n.prepare(l, env)
	}
	msgID := env.Message.MessageID()
	err := n.poster.Post(ctx, env.Message.Bytes())
	if err == nil {
		logger.Info("posted to newsgroup",
			slog.String("newsgroup", l.LinkedNewsgroup), slog.String("message_id", msgID))
		return false, nil
	}

	var terr *textproto.Error
	var nerr net.Error
	switch {
	case errors.As(err, &terr):
		logger.Error("news server refused article",
			slog.String("message_id", msgID), slog.Int("code", terr.Code), slog.String("response", terr.Msg))
		return false, nil
	case errors.As(err, &nerr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.Error("news server connection failed",
			slog.String("message_id", msgID), slog.String("error", err.Error()))
		return false, nil
	}
	logger.Error("posting to newsgroup, will retry",
		slog.String("message_id", msgID), slog.String("error", err.Error()))
	return true, nil
}

// messageIDPrefix starts the Message-IDs this gateway assigns.
const messageIDPrefix = "<listd."

func ownMessageID(id string, l *lists.List) bool {
	if !strings.HasPrefix(id, messageIDPrefix) {
		return false
	}
	return strings.HasSuffix(id, "."+l.ListName+"@"+l.MailHost+">")
}

// prepare rewrites the message for the news server.
func (n *News) prepare(l *lists.List, env *envelope.Envelope) {
	msg, meta := env.Message, env.Meta

	if l.NewsModeration == lists.NewsModerated {
		msg.Header.Del("Approved")
		msg.Header.Set("Approved", l.PostingAddress())
	}

	if !l.NewsPrefixSubjectTooOn {
		subject := meta.String(envelope.KeyStrippedSubject)
		if subject == "" {
			subject = meta.String(envelope.KeyOriginalSubject)
		}
		if subject != "" {
			msg.Header.Del("Subject")
			msg.SetSubject(subject)
		}
	}

	groups := msg.Header.Get("Newsgroups")
	switch {
	case groups == "":
		msg.Header.Set("Newsgroups", l.LinkedNewsgroup)
	case !containsGroup(groups, l.LinkedNewsgroup):
		msg.Header.Set("Newsgroups", groups+", "+l.LinkedNewsgroup)
	}

	if !ownMessageID(msg.MessageID(), l) {
		msg.Header.Set("Message-ID", fmt.Sprintf("%s%s.%s@%s>",
			messageIDPrefix, strings.ReplaceAll(uuid.NewString(), "-", ""), l.ListName, l.MailHost))
	}

	if !msg.Header.Has("Lines") {
		msg.Header.Set("Lines", strconv.Itoa(bodyLines(msg)))
	}

	for _, h := range n.stack.Config.NNTP.RemoveHeaders {
		msg.Header.Del(h)
	}
	rewrite := n.stack.Config.NNTP.RewriteHeaders
	for i := 0; i+1 < len(rewrite); i += 2 {
		rewriteDuplicates(msg, rewrite[i], rewrite[i+1])
	}
	meta.SetBool(envelope.KeyPrepped, true)
}

func containsGroup(groups, group string) bool {
	for _, g := range strings.Split(groups, ",") {
		if strings.EqualFold(strings.TrimSpace(g), group) {
			return true
		}
	}
	return false
}

// rewriteDuplicates keeps the first src field and moves the rest to dst.
// News servers refuse articles with repeated single-instance headers.
func rewriteDuplicates(msg *email.Message, src, dst string) {
	values := email.Values(msg.Header, src)
	if len(values) < 2 {
		return
	}
	msg.Header.Del(src)
	msg.Header.Set(src, values[0])
	// Add prepends.
	for i := len(values) - 1; i >= 1; i-- {
		msg.Header.Add(dst, values[i])
	}
}

func bodyLines(msg *email.Message) int {
	b := msg.Bytes()
	sep := []byte("\r\n\r\n")
	i := bytes.Index(b, sep)
	if j := bytes.Index(b, []byte("\n\n")); j >= 0 && (i < 0 || j < i) {
		i, sep = j, []byte("\n\n")
	}
	if i < 0 {
		return 0
	}
	body := b[i+len(sep):]
	if len(body) == 0 {
		return 0
	}
	n := bytes.Count(body, []byte("\n"))
	if body[len(body)-1] != '\n' {
		n++
	}
	return n
}
