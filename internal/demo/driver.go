// Package demo drives a backend.Fake through scripted session churn so
// the full pipeline can be exercised without a real upstream.
package demo

import (
	"context"
	"time"

	"github.com/op/go-logging"

	"github.com/webmux/backend/internal/backend"
)

var log = logging.MustGetLogger("log")

type scriptedSession struct {
	info    backend.SessionInfo
	pattern string
	openAt  int
	closeAt int
	output  []string
	outIdx  int
	present bool
}

// Driver owns the churn loop. Sessions follow one of three patterns:
// persistent (opens once, stays), shortlived (opens, then closes for
// good) and flaky (open/close cycles forever).
type Driver struct {
	fake     *backend.Fake
	interval time.Duration
	sessions []*scriptedSession
}

func NewDriver(fake *backend.Fake) *Driver {
	return &Driver{
		fake:     fake,
		interval: 500 * time.Millisecond,
	}
}

// Start seeds the roster and launches the churn loop. The first
// persistent session is present before Start returns, so an immediate
// list_sessions already has something to show.
func (d *Driver) Start(ctx context.Context) {
	d.fake.SetConsoleEcho(true)

	d.sessions = []*scriptedSession{
		{
			info: backend.SessionInfo{
				ID: "1", Kind: backend.KindShell, Desc: "command shell",
				User: "www-data", Host: "intranet-web01",
				TunnelLocal: "192.168.56.1:4444", TunnelPeer: "192.168.56.101:49802",
			},
			pattern: "persistent",
			output: []string{
				"uid=33(www-data) gid=33(www-data) groups=33(www-data)\n",
				"Linux intranet-web01 5.15.0-86-generic x86_64 GNU/Linux\n",
				"/var/www/html\n",
			},
		},
		{
			info: backend.SessionInfo{
				ID: "2", Kind: backend.KindPTY, Desc: "interactive pty",
				User: "SYSTEM", Host: "WIN-DC01",
				TunnelLocal: "192.168.56.1:4444", TunnelPeer: "192.168.56.102:50114",
			},
			pattern: "shortlived",
			openAt:  8, closeAt: 64,
			output: []string{
				"C:\\Windows\\system32>\n",
				"NT AUTHORITY\\SYSTEM\n",
				"Windows Server 2019 Build 17763\n",
			},
		},
		{
			info: backend.SessionInfo{
				ID: "3", Kind: backend.KindShell, Desc: "command shell",
				User: "postgres", Host: "db-backup",
				TunnelLocal: "192.168.56.1:4445", TunnelPeer: "192.168.56.110:38270",
			},
			pattern: "flaky",
			output: []string{
				"postgres=# \n",
			},
		},
	}

	now := time.Now().Unix()
	for _, s := range d.sessions {
		if s.pattern == "persistent" {
			s.info.OpenedAt = now
			d.fake.AddSession(s.info)
			s.present = true
		}
	}

	log.Infof("demo driver: %d scripted sessions", len(d.sessions))
	go d.run(ctx)
}

func (d *Driver) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			for _, s := range d.sessions {
				d.advance(s, tick)
			}
		}
	}
}

func (d *Driver) advance(s *scriptedSession, tick int) {
	switch s.pattern {
	case "persistent":
		// Seeded at Start; nothing to churn.
	case "shortlived":
		if tick == s.openAt {
			d.open(s)
		}
		if tick == s.closeAt && s.present {
			d.close(s)
			return
		}
	case "flaky":
		// Present for the first 16 ticks of every 24-tick cycle.
		switch tick % 24 {
		case 1:
			d.open(s)
		case 17:
			d.close(s)
			return
		}
	}

	if s.present && len(s.output) > 0 && tick%3 == 0 {
		line := s.output[s.outIdx%len(s.output)]
		s.outIdx++
		d.fake.PushSessionOutput(s.info.ID, line)
	}
}

func (d *Driver) open(s *scriptedSession) {
	s.info.OpenedAt = time.Now().Unix()
	d.fake.AddSession(s.info)
	s.present = true
}

func (d *Driver) close(s *scriptedSession) {
	d.fake.RemoveSession(s.info.ID)
	s.present = false
}
