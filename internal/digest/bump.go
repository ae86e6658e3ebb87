package digest

import (
	"time"

	"github.com/infodancer/listd/internal/lists"
)

// Bump advances l's digest numbering for a digest sent at now. The
// volume goes up and the number resets to 1 when the calendar period
// named by the list's frequency has changed since the last digest;
// otherwise only the number goes up. The first digest never bumps the
// volume.
func Bump(l *lists.List, now time.Time) {
	bump := false
	if last := l.DigestLastSentAt; last != nil {
		bump = period(l.DigestVolumeFrequency, now) > period(l.DigestVolumeFrequency, *last)
	}
	if bump {
		l.Volume++
		l.NextDigestNumber = 1
	} else {
		l.NextDigestNumber++
	}
	sent := now
	l.DigestLastSentAt = &sent
}

// period returns an ordinal for the calendar period containing t.
func period(freq lists.DigestFrequency, t time.Time) int {
	switch freq {
	case lists.Yearly:
		return t.Year()
	case lists.Quarterly:
		return t.Year()*100 + (int(t.Month())-1)/3
	case lists.Weekly:
		year, week := t.ISOWeek()
		return year*100 + week
	case lists.Daily:
		y, m, d := t.Date()
		return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
	default:
		return t.Year()*100 + int(t.Month())
	}
}
