package input

import (
	"net/netip"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// fail2ban log lines look like:
//
//	2024-01-15 10:23:45,123 fail2ban.actions [12345]: NOTICE [sshd] Ban 192.0.2.10
//	2024-01-15 10:33:45,123 fail2ban.actions [12345]: NOTICE [sshd] Unban 192.0.2.10
//	2024-01-15 10:23:40,003 fail2ban.filter  [12345]: INFO   [sshd] Found 192.0.2.10
var (
	banPattern = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}),\d+\s+fail2ban\.\w+\s*\[\d+\]:\s+\w+\s+\[([^\]]+)\]\s+Ban\s+(\S+)`)
	unbanPattern = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}),\d+\s+fail2ban\.\w+\s*\[\d+\]:\s+\w+\s+\[([^\]]+)\]\s+Unban\s+(\S+)`)
	foundPattern = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}),\d+\s+fail2ban\.filter\s*\[\d+\]:\s+INFO\s+\[([^\]]+)\]\s+Found\s+(\S+)`)
)

const f2bTimeLayout = "2006-01-02 15:04:05"

// EventParser turns raw fail2ban log lines into structured ban events.
// Non-matching lines are ignored silently: the log is verbose and most of
// it is not event material.
type EventParser struct {
	loc *time.Location
}

// NewEventParser builds a parser interpreting log timestamps in loc.
// fail2ban writes local time, so callers normally pass time.Local; tests
// pass time.UTC for determinism.
func NewEventParser(loc *time.Location) *EventParser {
	if loc == nil {
		loc = time.Local
	}
	return &EventParser{loc: loc}
}

// ParseLine parses one line. The second return is false when the line is
// not a ban, unban or failure event.
func (p *EventParser) ParseLine(line string) (domain.BanEvent, bool) {
	type match struct {
		re     *regexp.Regexp
		action domain.BanAction
	}
	for _, m := range []match{
		{banPattern, domain.ActionBan},
		{unbanPattern, domain.ActionUnban},
		{foundPattern, domain.ActionAttempt},
	} {
		groups := m.re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		ts, err := time.ParseInLocation(f2bTimeLayout, groups[1], p.loc)
		if err != nil {
			log.Debug().Str("line", line).Msg("event line with unparseable timestamp")
			return domain.BanEvent{}, false
		}
		addr, err := netip.ParseAddr(groups[3])
		if err != nil {
			log.Debug().Str("line", line).Msg("event line with unparseable address")
			return domain.BanEvent{}, false
		}
		return domain.BanEvent{
			Timestamp: ts,
			Addr:      addr,
			Jail:      groups[2],
			Action:    m.action,
			Origin:    domain.OriginLog,
		}, true
	}
	return domain.BanEvent{}, false
}

// Parse parses a batch of lines, preserving line order. Within one source
// that order is chronological; callers polling several sources must
// merge-sort the combined result by timestamp before appending it to the
// store (domain.SortEventsByTime).
func (p *EventParser) Parse(lines []string) []domain.BanEvent {
	var events []domain.BanEvent
	for _, line := range lines {
		if ev, ok := p.ParseLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}
