package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/lovelink/internal/config"
	"github.com/petervdpas/lovelink/internal/docstore"
)

func TestNormalizeLocalViewer(t *testing.T) {
	for in, want := range map[string]string{
		":8790":         "127.0.0.1:8790",
		"0.0.0.0:8790":  "127.0.0.1:8790",
		" 10.0.0.2:80 ": "10.0.0.2:80",
	} {
		addr, url := NormalizeLocalViewer(in)
		if addr != want || url != "http://"+want {
			t.Errorf("NormalizeLocalViewer(%q) = %q %q", in, addr, url)
		}
	}
}

func TestCallOptions(t *testing.T) {
	def := callOptions(config.Default().Call)
	if def.ICEServers != nil {
		t.Fatal("unset servers should keep the manager default")
	}
	if def.DisconnectedTimeout != 30*time.Second || def.FailedTimeout != 120*time.Second {
		t.Fatalf("timeouts = %v %v", def.DisconnectedTimeout, def.FailedTimeout)
	}

	o := callOptions(config.Call{ICEServers: []config.ICEServer{
		{URLs: []string{"stun:s.example.org:3478"}},
		{URLs: []string{"turn:t.example.org:3478"}, Username: "u", Credential: "p"},
	}})
	if len(o.ICEServers) != 2 {
		t.Fatalf("servers = %+v", o.ICEServers)
	}
	turn := o.ICEServers[1]
	if turn.Username != "u" || turn.Credential != "p" || turn.CredentialType != webrtc.ICECredentialTypePassword {
		t.Fatalf("turn = %+v", turn)
	}

	hostOnly := callOptions(config.Call{ICEServers: []config.ICEServer{}})
	if hostOnly.ICEServers == nil || len(hostOnly.ICEServers) != 0 {
		t.Fatal("empty list must stay empty")
	}
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()

	mem, err := openStore(ctx, t.TempDir(), config.Store{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	mem.Close()

	sq, err := openStore(ctx, t.TempDir(), config.Store{Backend: "sqlite", SQLiteDir: "data"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sq.Create(ctx, "probe", "", docstore.Fields{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	sq.Close()

	mr := miniredis.RunT(t)
	rs, err := openStore(ctx, "", config.Store{Backend: "redis", RedisAddr: mr.Addr(), RedisPrefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	rs.Close()

	if _, err := openStore(ctx, "", config.Store{Backend: "redis", RedisAddr: "127.0.0.1:1"}); err == nil {
		t.Fatal("dial to a closed port succeeded")
	}
}
