package envelope

import (
	"sort"
	"strings"
	"time"
)

// Well-known metadata keys.
const (
	KeyVersion            = "version"
	KeyReceivedTime       = "received_time"
	KeyListName           = "listname"
	KeyOriginalSender     = "original_sender"
	KeyEnvelopeSender     = "envsender"
	KeyRecipients         = "recipients"
	KeyRecipient          = "recipient"
	KeyOriginalSize       = "original_size"
	KeyWhichQ             = "whichq"
	KeyRuleHits           = "rule_hits"
	KeyRuleMisses         = "rule_misses"
	KeyModerationAction   = "moderation_action"
	KeyModerationReasons  = "moderation_reasons"
	KeyModerationSender   = "moderation_sender"
	KeyVERP               = "verp"
	KeyDeliverAfter       = "deliver_after"
	KeyDeliverUntil       = "deliver_until"
	KeyLastRecipCount     = "last_recip_count"
	KeyProbeToken         = "probe_token"
	KeyIsDigest           = "isdigest"
	KeyNoDecorate         = "nodecorate"
	KeyNoAck              = "noack"
	KeyToModerators       = "tomoderators"
	KeyToOwner            = "to_owner"
	KeyToList             = "to_list"
	KeyToRequest          = "to_request"
	KeyToJoin             = "to_join"
	KeyToLeave            = "to_leave"
	KeyToConfirm          = "to_confirm"
	KeySubaddress         = "subaddress"
	KeyReducedListHeaders = "reduced_list_headers"
	KeyAddDupHeader       = "add-dup-header"
	KeyTopicHits          = "topichits"
	KeyDigestPath         = "digest_path"
	KeyVolume             = "volume"
	KeyDigestNumber       = "digest_number"
	KeyFromUsenet         = "fromusenet"
	KeyApproved           = "approved"
	KeyOriginalSubject    = "original_subject"
	KeyStrippedSubject    = "stripped_subject"
	KeyLang               = "lang"
	KeySender             = "sender"
	KeyPersonalize        = "personalize"
	KeyPostID             = "post_id"
	KeyPrepped            = "prepped"
	KeyBakCount           = "_bak_count"
	KeyLogged             = "_logged"
	KeyFastTrack          = "_fasttrack"
)

// Metadata maps keys to tagged values. Keys beginning with an underscore
// are process-local and are not written by enqueue.
type Metadata map[string]Value

// Clone returns a shallow copy; Values are immutable.
func (m Metadata) Clone() Metadata {
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Merge copies every entry of o over m.
func (m Metadata) Merge(o Metadata) {
	for k, v := range o {
		m[k] = v
	}
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// String returns the string at key, or "".
func (m Metadata) String(key string) string {
	s, _ := m[key].Str()
	return s
}

// Int returns the integer at key, or 0.
func (m Metadata) Int(key string) int64 {
	i, _ := m[key].Int()
	return i
}

// Bool returns the boolean at key, or false.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].Bool()
	return b
}

// Time returns the timestamp at key.
func (m Metadata) Time(key string) (time.Time, bool) {
	return m[key].Time()
}

// Strings returns the set at key, or nil.
func (m Metadata) Strings(key string) []string {
	items, _ := m[key].Items()
	return items
}

// SetString stores a string.
func (m Metadata) SetString(key, s string) { m[key] = String(s) }

// SetInt stores an integer.
func (m Metadata) SetInt(key string, i int64) { m[key] = Int(i) }

// SetBool stores a boolean.
func (m Metadata) SetBool(key string, b bool) { m[key] = Bool(b) }

// SetTime stores a timestamp.
func (m Metadata) SetTime(key string, t time.Time) { m[key] = Time(t) }

// SetStrings stores a set.
func (m Metadata) SetStrings(key string, items []string) { m[key] = Set(items...) }

// Append adds item to the set at key, creating it if needed.
func (m Metadata) Append(key string, item string) {
	m[key] = Set(append(m.Strings(key), item)...)
}

// Recipients returns the recipient set.
func (m Metadata) Recipients() []string {
	return m.Strings(KeyRecipients)
}

// ListName returns the list's posting address.
func (m Metadata) ListName() string {
	return m.String(KeyListName)
}

// StripLocal returns a copy without process-local keys.
func (m Metadata) StripLocal() Metadata {
	c := make(Metadata, len(m))
	for k, v := range m {
		if !strings.HasPrefix(k, "_") {
			c[k] = v
		}
	}
	return c
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
