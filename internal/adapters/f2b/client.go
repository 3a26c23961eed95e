// Package f2b wraps the fail2ban-client command line tool. It is the live
// ban-manager collaborator: reconciliation reads the active ban list from
// it, and the query facade issues ban/unban commands through it.
package f2b

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// Client shells out to fail2ban-client. Safe for concurrent use; every
// invocation carries its own context timeout.
type Client struct {
	binary  string
	useSudo bool
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the fail2ban-client binary path.
func WithBinary(path string) Option { return func(c *Client) { c.binary = path } }

// WithSudo runs commands through sudo, required when the caller is not root.
func WithSudo(enabled bool) Option { return func(c *Client) { c.useSudo = enabled } }

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func NewClient(opts ...Option) *Client {
	c := &Client{
		binary:  "fail2ban-client",
		useSudo: true,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := c.binary
	if c.useSudo {
		args = append([]string{c.binary}, args...)
		name = "sudo"
	}
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("f2b: %s %s: %w", c.binary, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Running reports whether the fail2ban daemon answers status queries.
func (c *Client) Running(ctx context.Context) bool {
	out, err := c.run(ctx, "status")
	return err == nil && strings.Contains(out, "Number of jail")
}

var jailListPattern = regexp.MustCompile(`Jail list:\s*(.+)`)

// Jails lists the active jail names.
func (c *Client) Jails(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status")
	if err != nil {
		return nil, err
	}
	return parseJailList(out), nil
}

func parseJailList(statusOutput string) []string {
	m := jailListPattern.FindStringSubmatch(statusOutput)
	if m == nil {
		return nil
	}
	var jails []string
	for _, j := range strings.Split(m[1], ",") {
		if j = strings.TrimSpace(j); j != "" {
			jails = append(jails, j)
		}
	}
	return jails
}

// Params queries findtime/bantime/maxretry for one jail, falling back to
// the fail2ban defaults for any value the daemon will not report.
func (c *Client) Params(ctx context.Context, jail string) (domain.JailParams, error) {
	params := domain.DefaultJailParams(jail)
	for _, key := range []string{"findtime", "bantime", "maxretry"} {
		out, err := c.run(ctx, "get", jail, key)
		if err != nil {
			log.Warn().Err(err).Str("jail", jail).Str("key", key).Msg("jail parameter query failed")
			return params, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			continue
		}
		switch key {
		case "findtime":
			params.Findtime = time.Duration(n) * time.Second
		case "bantime":
			params.Bantime = time.Duration(n) * time.Second
		case "maxretry":
			params.MaxRetry = n
		}
	}
	return params, nil
}

// withTimePattern matches one row of `get <jail> banip --with-time`:
//
//	192.0.2.10 	2024-01-15 10:23:45 + 600 = 2024-01-15 10:33:45
var withTimePattern = regexp.MustCompile(
	`^(\S+)\s+(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\s*\+\s*(\d+)`)

// ActiveBans returns the daemon's current ban list across all jails.
// Jails that fail to answer are skipped with a warning; the remaining
// snapshot is still usable for reconciliation.
func (c *Client) ActiveBans(ctx context.Context) ([]domain.ActiveBan, error) {
	jails, err := c.Jails(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var bans []domain.ActiveBan
	for _, jail := range jails {
		out, err := c.run(ctx, "get", jail, "banip", "--with-time")
		if err != nil {
			// older daemons reject --with-time; fall back to the plain list
			out, err = c.run(ctx, "get", jail, "banip")
			if err != nil {
				log.Warn().Err(err).Str("jail", jail).Msg("banip query failed, skipping jail")
				continue
			}
		}
		bans = append(bans, parseBanList(out, jail, now)...)
	}
	return bans, nil
}

// parseBanList handles both the --with-time row format and the plain
// whitespace-separated list. Entries without times get BanTime = now so
// reconciliation still sees them as active.
func parseBanList(out, jail string, now time.Time) []domain.ActiveBan {
	var bans []domain.ActiveBan
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := withTimePattern.FindStringSubmatch(line); m != nil {
			addr, err := netip.ParseAddr(m[1])
			if err != nil {
				continue
			}
			banTime, err := time.ParseInLocation("2006-01-02 15:04:05", m[2], time.Local)
			if err != nil {
				banTime = now
			}
			seconds, _ := strconv.Atoi(m[3])
			remaining := banTime.Add(time.Duration(seconds) * time.Second).Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			bans = append(bans, domain.ActiveBan{
				Addr:      addr,
				Jail:      jail,
				BanTime:   banTime,
				Remaining: remaining,
			})
			continue
		}
		for _, field := range strings.Fields(line) {
			addr, err := netip.ParseAddr(field)
			if err != nil {
				continue
			}
			bans = append(bans, domain.ActiveBan{Addr: addr, Jail: jail, BanTime: now})
		}
	}
	return bans
}

// Ban asks the daemon to ban addr in jail.
func (c *Client) Ban(ctx context.Context, addr netip.Addr, jail string) error {
	_, err := c.run(ctx, "set", jail, "banip", addr.String())
	if err == nil {
		log.Info().Str("addr", addr.String()).Str("jail", jail).Msg("banned address")
	}
	return err
}

// Unban asks the daemon to lift addr's bans; empty jail means all jails.
func (c *Client) Unban(ctx context.Context, addr netip.Addr, jail string) error {
	var err error
	if jail == "" {
		_, err = c.run(ctx, "unban", addr.String())
	} else {
		_, err = c.run(ctx, "set", jail, "unbanip", addr.String())
	}
	if err == nil {
		log.Info().Str("addr", addr.String()).Str("jail", jail).Msg("unbanned address")
	}
	return err
}
