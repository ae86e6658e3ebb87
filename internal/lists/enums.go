package lists

// Action is a moderation disposition.
type Action string

const (
	ActionHold    Action = "hold"
	ActionReject  Action = "reject"
	ActionDiscard Action = "discard"
	ActionAccept  Action = "accept"
	ActionDefer   Action = "defer"
)

// FilterAction decides what happens to a message emptied by content
// filtering.
type FilterAction string

const (
	FilterDiscard  FilterAction = "discard"
	FilterReject   FilterAction = "reject"
	FilterForward  FilterAction = "forward"
	FilterPreserve FilterAction = "preserve"
)

// DeliveryMode selects regular delivery or one of the digest formats.
type DeliveryMode string

const (
	Regular          DeliveryMode = "regular"
	PlaintextDigests DeliveryMode = "plaintext_digests"
	MIMEDigests      DeliveryMode = "mime_digests"
	SummaryDigests   DeliveryMode = "summary_digests"
)

// DeliveryStatus says whether, and why not, a member receives mail.
type DeliveryStatus string

const (
	Enabled     DeliveryStatus = "enabled"
	ByUser      DeliveryStatus = "by_user"
	ByBounces   DeliveryStatus = "by_bounces"
	ByModerator DeliveryStatus = "by_moderator"
	Unknown     DeliveryStatus = "unknown"
)

// DigestFrequency controls when the digest volume number is bumped.
type DigestFrequency string

const (
	Yearly    DigestFrequency = "yearly"
	Monthly   DigestFrequency = "monthly"
	Quarterly DigestFrequency = "quarterly"
	Weekly    DigestFrequency = "weekly"
	Daily     DigestFrequency = "daily"
)

// Personalization selects how much per-recipient rewriting delivery does.
type Personalization string

const (
	PersonalizeNone       Personalization = "none"
	PersonalizeIndividual Personalization = "individual"
	PersonalizeFull       Personalization = "full"
)

// ReplyToMunging selects the Reply-To policy.
type ReplyToMunging string

const (
	NoMunging      ReplyToMunging = "no_munging"
	PointToList    ReplyToMunging = "point_to_list"
	ExplicitHeader ReplyToMunging = "explicit_header"
)

// Role is a roster role.
type Role string

const (
	RoleMember    Role = "member"
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleNonmember Role = "nonmember"
)

// NewsModeration describes the linked newsgroup.
type NewsModeration string

const (
	NewsNone          NewsModeration = "none"
	NewsOpenModerated NewsModeration = "open_moderated"
	NewsModerated     NewsModeration = "moderated"
)

// UnrecognizedBounces says where bounces nobody can parse are sent.
type UnrecognizedBounces string

const (
	BouncesDiscard        UnrecognizedBounces = "discard"
	BouncesAdministrators UnrecognizedBounces = "administrators"
	BouncesSiteOwner      UnrecognizedBounces = "site_owner"
)

// BounceContext says how a bounce was detected.
type BounceContext string

const (
	BounceNormal BounceContext = "normal"
	BounceProbe  BounceContext = "probe"
)
