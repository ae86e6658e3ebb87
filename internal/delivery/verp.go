package delivery

import (
	"regexp"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/templates"
)

// VERPSender encodes rcpt into the local part of sender using format.
// It returns "" when either address lacks a domain.
func VERPSender(format, sender, rcpt string) string {
	bounces, senderDomain := email.SplitAddress(sender)
	local, domain := email.SplitAddress(rcpt)
	if senderDomain == "" || domain == "" {
		return ""
	}
	return templates.Expand(format, map[string]string{
		"bounces": bounces,
		"local":   local,
		"domain":  domain,
	}) + "@" + senderDomain
}

// ProbeSender encodes a probe token into sender using format.
func ProbeSender(format, sender, token string) string {
	bounces, senderDomain := email.SplitAddress(sender)
	return templates.Expand(format, map[string]string{
		"bounces": bounces,
		"token":   token,
		"domain":  senderDomain,
	}) + "@" + senderDomain
}

// ParseVERP extracts the original recipient from a VERP address using
// re, which must have local and domain groups.
func ParseVERP(re *regexp.Regexp, addr string) (string, bool) {
	m := re.FindStringSubmatch(addr)
	if m == nil {
		return "", false
	}
	local := m[re.SubexpIndex("local")]
	domain := m[re.SubexpIndex("domain")]
	if local == "" || domain == "" {
		return "", false
	}
	return local + "@" + domain, true
}

// DecideVERP sets meta's verp flag when the envelope does not carry one:
// personalized lists when so configured, every post when the interval
// is 1, and every interval'th post otherwise.
func DecideVERP(cfg config.MTAConfig, l *lists.List, meta envelope.Metadata) bool {
	if meta.Has(envelope.KeyVERP) {
		return meta.Bool(envelope.KeyVERP)
	}
	verp := false
	switch {
	case l != nil && l.Personalize != lists.PersonalizeNone && cfg.VERPPersonalizedDeliveries:
		verp = true
	case cfg.VERPDeliveryInterval == 1:
		verp = true
	case cfg.VERPDeliveryInterval > 1 && l != nil:
		verp = l.PostID%cfg.VERPDeliveryInterval == 0
	}
	if verp {
		meta.SetBool(envelope.KeyVERP, true)
	}
	return verp
}
