package lists

import (
	"strings"
	"time"

	"github.com/infodancer/listd/internal/config"
)

// Preferences is one layer of member settings. Nil fields fall through
// to the next layer.
type Preferences struct {
	ReceiveOwnPostings *bool           `json:"receive_own_postings,omitempty"`
	ReceiveListCopy    *bool           `json:"receive_list_copy,omitempty"`
	AcknowledgePosts   *bool           `json:"acknowledge_posts,omitempty"`
	DeliveryMode       *DeliveryMode   `json:"delivery_mode,omitempty"`
	DeliveryStatus     *DeliveryStatus `json:"delivery_status,omitempty"`
	PreferredLanguage  string          `json:"preferred_language,omitempty"`
}

// Member is a roster entry. Preferences resolve membership first, then
// the subscribed address, then the owning user, then the site defaults.
type Member struct {
	List             string      `json:"list"`
	Email            string      `json:"email"`
	DisplayName      string      `json:"display_name"`
	Role             Role        `json:"role"`
	ModerationAction Action      `json:"moderation_action,omitempty"`
	Preferences      Preferences `json:"preferences"`
	Address          Preferences `json:"address_preferences"`
	User             Preferences `json:"user_preferences"`
	// Topics the member wants; empty means all.
	Topics             []string  `json:"topics,omitempty"`
	ReceiveNoTopics    bool      `json:"receive_no_topics,omitempty"`
	BounceScore        float64   `json:"bounce_score"`
	LastBounceReceived time.Time `json:"last_bounce_received"`
	LastWarningSent    time.Time `json:"last_warning_sent"`
	DisabledAt         time.Time `json:"disabled_at"`

	defaults config.DefaultsConfig
}

// NewMember returns a member of list with role.
func NewMember(list, email, displayName string, role Role) *Member {
	return &Member{
		List:        list,
		Email:       strings.ToLower(email),
		DisplayName: displayName,
		Role:        role,
	}
}

func (m *Member) layers() []*Preferences {
	return []*Preferences{&m.Preferences, &m.Address, &m.User}
}

func resolveBool(layers []*Preferences, get func(*Preferences) *bool, fallback *bool, def bool) bool {
	for _, p := range layers {
		if v := get(p); v != nil {
			return *v
		}
	}
	if fallback != nil {
		return *fallback
	}
	return def
}

// ReceiveOwnPostings reports whether the member gets copies of their own
// posts.
func (m *Member) ReceiveOwnPostings() bool {
	return resolveBool(m.layers(), func(p *Preferences) *bool { return p.ReceiveOwnPostings },
		m.defaults.ReceiveOwnPostings, true)
}

// ReceiveListCopy reports whether the member gets the list copy when
// also named explicitly in To or Cc.
func (m *Member) ReceiveListCopy() bool {
	return resolveBool(m.layers(), func(p *Preferences) *bool { return p.ReceiveListCopy },
		m.defaults.ReceiveListCopy, true)
}

// AcknowledgePosts reports whether posts are acknowledged.
func (m *Member) AcknowledgePosts() bool {
	return resolveBool(m.layers(), func(p *Preferences) *bool { return p.AcknowledgePosts },
		m.defaults.AcknowledgePosts, false)
}

// DeliveryMode returns the resolved delivery mode.
func (m *Member) DeliveryMode() DeliveryMode {
	for _, p := range m.layers() {
		if p.DeliveryMode != nil {
			return *p.DeliveryMode
		}
	}
	return Regular
}

// DeliveryStatus returns the resolved delivery status.
func (m *Member) DeliveryStatus() DeliveryStatus {
	for _, p := range m.layers() {
		if p.DeliveryStatus != nil {
			return *p.DeliveryStatus
		}
	}
	return Enabled
}

// PreferredLanguage returns the resolved language code.
func (m *Member) PreferredLanguage() string {
	for _, p := range m.layers() {
		if p.PreferredLanguage != "" {
			return p.PreferredLanguage
		}
	}
	if m.defaults.PreferredLanguage != "" {
		return m.defaults.PreferredLanguage
	}
	return "en"
}

// IsDigest reports whether the member receives digests.
func (m *Member) IsDigest() bool {
	return m.DeliveryMode() != Regular
}

// SetDeliveryMode sets the membership-level mode.
func (m *Member) SetDeliveryMode(mode DeliveryMode) {
	m.Preferences.DeliveryMode = &mode
}

// SetDeliveryStatus sets the membership-level status.
func (m *Member) SetDeliveryStatus(status DeliveryStatus) {
	m.Preferences.DeliveryStatus = &status
}

// WantsTopic reports whether a message matching hits should go to the
// member.
func (m *Member) WantsTopic(hits []string) bool {
	if len(m.Topics) == 0 {
		return true
	}
	if len(hits) == 0 {
		return !m.ReceiveNoTopics
	}
	for _, h := range hits {
		for _, t := range m.Topics {
			if strings.EqualFold(h, t) {
				return true
			}
		}
	}
	return false
}

// Bool returns a pointer to b, for filling Preferences.
func Bool(b bool) *bool { return &b }
