package f2b

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJailList(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name: "multiple jails",
			output: "Status\n" +
				"|- Number of jail:\t3\n" +
				"`- Jail list:\tnginx-botsearch, recidive, sshd",
			want: []string{"nginx-botsearch", "recidive", "sshd"},
		},
		{
			name: "single jail",
			output: "Status\n" +
				"|- Number of jail:\t1\n" +
				"`- Jail list:\tsshd",
			want: []string{"sshd"},
		},
		{
			name:   "no jail list line",
			output: "ERROR Failed to access socket",
			want:   nil,
		},
		{
			name: "empty list",
			output: "Status\n" +
				"|- Number of jail:\t0\n" +
				"`- Jail list:\t",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseJailList(tt.output))
		})
	}
}

func TestParseBanListWithTime(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.Local)
	out := "192.0.2.10 \t2024-01-15 10:23:45 + 600 = 2024-01-15 10:33:45\n" +
		"198.51.100.7 \t2024-01-15 09:00:00 + 600 = 2024-01-15 09:10:00"

	bans := parseBanList(out, "sshd", now)
	require.Len(t, bans, 2)

	assert.Equal(t, netip.MustParseAddr("192.0.2.10"), bans[0].Addr)
	assert.Equal(t, "sshd", bans[0].Jail)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 23, 45, 0, time.Local), bans[0].BanTime)
	assert.Equal(t, 3*time.Minute+45*time.Second, bans[0].Remaining)

	// expired entry still listed by the daemon: remaining clamps to zero
	assert.Equal(t, time.Duration(0), bans[1].Remaining)
}

func TestParseBanListPlain(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	bans := parseBanList("192.0.2.10 198.51.100.7 2001:db8::1", "sshd", now)
	require.Len(t, bans, 3)
	for _, b := range bans {
		assert.Equal(t, "sshd", b.Jail)
		assert.Equal(t, now, b.BanTime)
	}
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), bans[2].Addr)
}

func TestParseBanListIgnoresJunk(t *testing.T) {
	now := time.Now()

	bans := parseBanList("These IP addresses are banned:\n192.0.2.10\n\n", "sshd", now)
	require.Len(t, bans, 1)
	assert.Equal(t, netip.MustParseAddr("192.0.2.10"), bans[0].Addr)
}

func TestNewClientOptions(t *testing.T) {
	c := NewClient(WithBinary("/usr/local/bin/fail2ban-client"), WithSudo(false), WithTimeout(time.Second))
	assert.Equal(t, "/usr/local/bin/fail2ban-client", c.binary)
	assert.False(t, c.useSudo)
	assert.Equal(t, time.Second, c.timeout)
}
