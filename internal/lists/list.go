// Package lists holds mailing lists, their rosters, held messages and
// bounce events, persisted in a bbolt database.
package lists

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Topic is a named regular expression matched against Subject, Keywords
// and the top of the body.
type Topic struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
}

// HeaderMatch is a list-specific header check.
type HeaderMatch struct {
	Header  string `json:"header"`
	Pattern string `json:"pattern"`
	// Chain is the chain jumped to on a match; "" means the site default.
	Chain string `json:"chain,omitempty"`
}

// DigestRecipient is a member who left digest delivery since the last
// digest and still gets one more.
type DigestRecipient struct {
	Email string       `json:"email"`
	Mode  DeliveryMode `json:"mode"`
}

// List is a mailing list and its settings.
type List struct {
	ListName    string `json:"list_name"`
	MailHost    string `json:"mail_host"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Info        string `json:"info"`
	WebURL      string `json:"web_url"`

	PostingChain      string `json:"posting_chain"`
	PostingPipeline   string `json:"posting_pipeline"`
	OwnerChain        string `json:"owner_chain"`
	OwnerPipeline     string `json:"owner_pipeline"`
	PreferredLanguage string `json:"preferred_language"`

	// Moderation
	Emergency                  bool          `json:"emergency"`
	DefaultMemberAction        Action        `json:"default_member_action"`
	DefaultNonmemberAction     Action        `json:"default_nonmember_action"`
	Administrivia              bool          `json:"administrivia"`
	RequireExplicitDestination bool          `json:"require_explicit_destination"`
	AcceptableAliases          []string      `json:"acceptable_aliases"`
	MaxNumRecipients           int           `json:"max_num_recipients"`
	MaxMessageSize             int           `json:"max_message_size"` // KiB
	BounceMatchingHeaders      string        `json:"bounce_matching_headers"`
	HeaderMatches              []HeaderMatch `json:"header_matches"`
	RespondToPostRequests      bool          `json:"respond_to_post_requests"`
	AdminImmedNotify           bool          `json:"admin_immed_notify"`

	// Content filtering
	FilterContent          bool         `json:"filter_content"`
	FilterTypes            []string     `json:"filter_types"`
	PassTypes              []string     `json:"pass_types"`
	FilterExtensions       []string     `json:"filter_extensions"`
	PassExtensions         []string     `json:"pass_extensions"`
	CollapseAlternatives   bool         `json:"collapse_alternatives"`
	ConvertHTMLToPlaintext bool         `json:"convert_html_to_plaintext"`
	FilterAction           FilterAction `json:"filter_action"`

	// Topics
	TopicsEnabled        bool    `json:"topics_enabled"`
	Topics               []Topic `json:"topics"`
	TopicsBodyLinesLimit int     `json:"topics_bodylines_limit"`

	// Headers and decoration
	SubjectPrefix         string          `json:"subject_prefix"`
	Anonymous             bool            `json:"anonymous_list"`
	IncludeRFC2369Headers bool            `json:"include_rfc2369_headers"`
	IncludeListPostHeader bool            `json:"include_list_post_header"`
	ReplyGoesToList       ReplyToMunging  `json:"reply_goes_to_list"`
	ReplyToAddress        string          `json:"reply_to_address"`
	FirstStripReplyTo     bool            `json:"first_strip_reply_to"`
	Personalize           Personalization `json:"personalize"`
	HeaderTemplate        string          `json:"header_template"`
	FooterTemplate        string          `json:"footer_template"`

	// Archiving and news
	Archive                bool           `json:"archive"`
	GatewayToNews          bool           `json:"gateway_to_news"`
	LinkedNewsgroup        string         `json:"linked_newsgroup"`
	NewsModeration         NewsModeration `json:"news_moderation"`
	NewsPrefixSubjectTooOn bool           `json:"nntp_prefix_subject_too"`

	// Digests
	Digestable            bool              `json:"digestable"`
	DigestSizeThreshold   int               `json:"digest_size_threshold"` // KiB
	DigestVolumeFrequency DigestFrequency   `json:"digest_volume_frequency"`
	Volume                int               `json:"volume"`
	NextDigestNumber      int               `json:"next_digest_number"`
	DigestLastSentAt      *time.Time        `json:"digest_last_sent_at,omitempty"`
	DigestHeader          string            `json:"digest_header"`
	DigestFooter          string            `json:"digest_footer"`
	LastDigestRecipients  []DigestRecipient `json:"last_digest_recipients"`

	// Bounces
	ProcessBounces               bool                `json:"process_bounces"`
	BounceScoreThreshold         float64             `json:"bounce_score_threshold"`
	SendProbes                   bool                `json:"send_probes"`
	ForwardUnrecognizedBouncesTo UnrecognizedBounces `json:"forward_unrecognized_bounces_to"`

	// Counters
	PostID       int       `json:"post_id"`
	LastPostTime time.Time `json:"last_post_time"`
	CreatedAt    time.Time `json:"created_at"`
}

// New returns a list with the stock settings.
func New(listName, mailHost string) *List {
	return &List{
		ListName:                   strings.ToLower(listName),
		MailHost:                   strings.ToLower(mailHost),
		DisplayName:                displayName(listName),
		PostingChain:               "default-posting-chain",
		PostingPipeline:            "default-posting-pipeline",
		OwnerChain:                 "default-owner-chain",
		OwnerPipeline:              "default-owner-pipeline",
		PreferredLanguage:          "en",
		DefaultMemberAction:        ActionDefer,
		DefaultNonmemberAction:     ActionHold,
		Administrivia:              true,
		RequireExplicitDestination: true,
		MaxNumRecipients:           10,
		MaxMessageSize:             40,
		RespondToPostRequests:      true,
		AdminImmedNotify:           true,
		FilterAction:               FilterDiscard,
		TopicsBodyLinesLimit:       5,
		SubjectPrefix:              "[" + displayName(listName) + "] ",
		IncludeRFC2369Headers:      true,
		IncludeListPostHeader:      true,
		ReplyGoesToList:            NoMunging,
		Personalize:                PersonalizeNone,
		FooterTemplate: "_______________________________________________\n" +
			"$display_name mailing list -- $fqdn_listname\n" +
			"To unsubscribe send an email to ${short_listname}-leave@${domain}\n",
		Archive:                      true,
		NewsModeration:               NewsNone,
		Digestable:                   true,
		DigestSizeThreshold:          30,
		DigestVolumeFrequency:        Monthly,
		Volume:                       1,
		NextDigestNumber:             1,
		ProcessBounces:               true,
		BounceScoreThreshold:         5,
		ForwardUnrecognizedBouncesTo: BouncesAdministrators,
	}
}

func displayName(listName string) string {
	if listName == "" {
		return ""
	}
	return strings.ToUpper(listName[:1]) + listName[1:]
}

// FQDNListName returns list@host, the key lists are stored under.
func (l *List) FQDNListName() string {
	return l.ListName + "@" + l.MailHost
}

// PostingAddress returns the address members post to.
func (l *List) PostingAddress() string {
	return l.FQDNListName()
}

// Address returns list-<sub>@host.
func (l *List) Address(sub string) string {
	return l.ListName + "-" + sub + "@" + l.MailHost
}

// BouncesAddress returns the envelope sender for list mail.
func (l *List) BouncesAddress() string { return l.Address("bounces") }

// OwnerAddress returns the owner contact address.
func (l *List) OwnerAddress() string { return l.Address("owner") }

// RequestAddress returns the email command address.
func (l *List) RequestAddress() string { return l.Address("request") }

// JoinAddress returns the subscribe address.
func (l *List) JoinAddress() string { return l.Address("join") }

// LeaveAddress returns the unsubscribe address.
func (l *List) LeaveAddress() string { return l.Address("leave") }

// ConfirmAddress returns the address that confirms token.
func (l *List) ConfirmAddress(token string) string {
	return l.ListName + "-confirm+" + token + "@" + l.MailHost
}

// ListID returns the RFC 2919 list identifier, without angle brackets.
func (l *List) ListID() string {
	return l.ListName + "." + l.MailHost
}

// ScriptURL returns the web page for target, or "" without a web URL.
func (l *List) ScriptURL(target string) string {
	if l.WebURL == "" {
		return ""
	}
	return strings.TrimRight(l.WebURL, "/") + "/" + target + "/" + l.FQDNListName()
}

// ListInfoURL returns the list's information page.
func (l *List) ListInfoURL() string {
	return l.ScriptURL("listinfo")
}

// OptionsURL returns the member options page for email.
func (l *List) OptionsURL(email string) string {
	base := l.ScriptURL("options")
	if base == "" {
		return ""
	}
	return base + "/" + url.PathEscape(email)
}

// IsListAddress reports whether addr is the posting address, one of the
// list's subaddresses or an acceptable alias literal.
func (l *List) IsListAddress(addr string) bool {
	addr = strings.ToLower(addr)
	if addr == l.PostingAddress() {
		return true
	}
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || domain != l.MailHost {
		return false
	}
	return strings.HasPrefix(local, l.ListName+"-")
}

// Validate checks settings a runner relies on.
func (l *List) Validate() error {
	if l.ListName == "" || l.MailHost == "" {
		return fmt.Errorf("list name and mail host are required")
	}
	if l.DigestSizeThreshold < 0 {
		return fmt.Errorf("digest_size_threshold must not be negative")
	}
	switch l.DigestVolumeFrequency {
	case Yearly, Monthly, Quarterly, Weekly, Daily:
	default:
		return fmt.Errorf("invalid digest_volume_frequency %q", l.DigestVolumeFrequency)
	}
	return nil
}
