package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/idswatch/internal/cfg"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
	"github.com/linnemanlabs/idswatch/internal/source/redisfeed"
	"github.com/linnemanlabs/idswatch/internal/source/wsfeed"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestStatusPolicy(t *testing.T) {
	t.Parallel()

	if got := statusPolicy(false); got != lifecycle.Permissive {
		t.Errorf("statusPolicy(false) = %v, want %v", got, lifecycle.Permissive)
	}
	if got := statusPolicy(true); got != lifecycle.Forward {
		t.Errorf("statusPolicy(true) = %v, want %v", got, lifecycle.Forward)
	}
}

func TestNewSubscriber(t *testing.T) {
	t.Parallel()

	t.Run("websocket", func(t *testing.T) {
		t.Parallel()
		sub, closeFn, err := newSubscriber(&vc.Config{LiveMode: vc.LiveWebSocket, LiveURL: "ws://127.0.0.1:1/alerts"}, log.Nop())
		if err != nil {
			t.Fatalf("newSubscriber: %v", err)
		}
		if _, ok := sub.(*wsfeed.Subscriber); !ok {
			t.Errorf("subscriber = %T, want *wsfeed.Subscriber", sub)
		}
		if err := closeFn(); err != nil {
			t.Errorf("close = %v", err)
		}
	})

	t.Run("redis", func(t *testing.T) {
		t.Parallel()
		sub, closeFn, err := newSubscriber(&vc.Config{LiveMode: vc.LiveRedis, RedisAddr: "127.0.0.1:1", RedisChannel: "alerts"}, log.Nop())
		if err != nil {
			t.Fatalf("newSubscriber: %v", err)
		}
		if _, ok := sub.(*redisfeed.Subscriber); !ok {
			t.Errorf("subscriber = %T, want *redisfeed.Subscriber", sub)
		}
		if err := closeFn(); err != nil {
			t.Errorf("close = %v", err)
		}
	})

	t.Run("redis without channel", func(t *testing.T) {
		t.Parallel()
		if _, _, err := newSubscriber(&vc.Config{LiveMode: vc.LiveRedis}, log.Nop()); err == nil {
			t.Fatal("expected error without a channel")
		}
	})

	t.Run("none", func(t *testing.T) {
		t.Parallel()
		sub, closeFn, err := newSubscriber(&vc.Config{LiveMode: vc.LiveNone}, log.Nop())
		if err != nil {
			t.Fatalf("newSubscriber: %v", err)
		}
		if sub != nil {
			t.Errorf("subscriber = %T, want nil", sub)
		}
		if closeFn == nil {
			t.Fatal("close func is nil")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()
		if _, _, err := newSubscriber(&vc.Config{LiveMode: "carrier-pigeon"}, log.Nop()); err == nil {
			t.Fatal("expected error for unknown mode")
		}
	})
}
