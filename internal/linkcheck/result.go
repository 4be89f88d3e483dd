package linkcheck

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxLogBytes caps the diagnostic log kept on a link.
const MaxLogBytes = 16 * 1024

// TouchAttempt moves LastCheckAttempt forward to at. It never moves backwards.
func (l *Link) TouchAttempt(at time.Time) {
	if at.After(l.LastCheckAttempt) {
		l.LastCheckAttempt = at
	}
}

// ApplyResult records a check outcome on the link.
//
// A link marked as a false positive or dismissed keeps that state while the
// result fingerprint stays the same; any change in the fingerprint clears it.
func (l *Link) ApplyResult(res CheckResult, at time.Time) {
	sameOutcome := l.ResultHash != "" && l.ResultHash == res.ResultHash

	l.CheckCount++
	l.TouchAttempt(at)
	l.LastCheck = at
	l.BeingChecked = false

	l.FinalURL = res.FinalURL
	l.HTTPCode = res.HTTPCode
	l.RedirectCount = res.RedirectCount
	l.RequestDuration = res.RequestDuration
	l.MayRecheck = res.MayRecheck
	l.StatusText = res.StatusText
	l.ResultHash = res.ResultHash
	l.Log = truncate(res.Log, MaxLogBytes)

	l.Broken = res.Broken
	l.Warning = res.Warning
	l.Timeout = res.Timeout

	if l.FalsePositive {
		if sameOutcome {
			l.Broken, l.Warning, l.Timeout = false, false, false
		} else {
			l.FalsePositive = false
		}
	}
	if l.Dismissed && !sameOutcome {
		l.Dismissed = false
	}

	failing := l.Broken || l.Warning || l.Timeout
	switch {
	case failing && l.FirstFailure.IsZero():
		l.FirstFailure = at
	case !failing:
		l.FirstFailure = time.Time{}
	}
}

// MarkNotBroken flags the current outcome as a false positive.
func (l *Link) MarkNotBroken() {
	l.Broken = false
	l.Warning = false
	l.Timeout = false
	l.FalsePositive = true
	l.FirstFailure = time.Time{}
}

// IsDue reports whether the link matches q, ignoring the container and
// parser restrictions, which need instance data.
func (l Link) IsDue(q DueQuery) bool {
	if l.LastCheckAttempt.Before(q.Now.Add(-q.CheckThreshold)) {
		return true
	}
	return (l.Broken || l.BeingChecked) &&
		l.MayRecheck &&
		l.CheckCount < q.RecheckCeiling &&
		l.LastCheckAttempt.Before(q.Now.Add(-q.RecheckThreshold))
}

// truncate returns valid UTF-8 of at most n bytes, cut on a rune boundary.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
