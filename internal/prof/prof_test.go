package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/keithlinneman/wsexec/internal/log"
)

// Disabled

func TestStart_Disabled(t *testing.T) {
	var reported []bool
	stop, err := Start(context.Background(), Options{
		Enabled:       false,
		ServerAddress: "",
		Tags:          map[string]string{"k": "v"},
		OnActive:      func(v bool) { reported = append(reported, v) },
	})
	if err != nil {
		t.Fatalf("disabled should never error: %v", err)
	}
	stop()
	stop()
	if len(reported) != 1 || reported[0] {
		t.Fatalf("OnActive calls = %v, want [false]", reported)
	}
}

func TestStart_Disabled_NoLoggerInContext(t *testing.T) {
	stop, err := Start(context.Background(), Options{})
	if err != nil || stop == nil {
		t.Fatalf("stop=%p err=%v", stop, err)
	}
}

// Enabled

func TestStart_EmptyServerAddress(t *testing.T) {
	ctx := log.WithContext(context.Background(), log.Nop())
	active := true
	stop, err := Start(ctx, Options{
		Enabled:  true,
		AppName:  "wsexec",
		OnActive: func(v bool) { active = v },
	})
	if err == nil {
		t.Fatal("expected error for empty server address")
	}
	if !strings.Contains(err.Error(), "server address") {
		t.Fatalf("err = %v", err)
	}
	if stop == nil {
		t.Fatal("stop must be non-nil even on error")
	}
	stop()
	if active {
		t.Fatal("profiling reported active after a failed start")
	}
}

func TestStart_UnreachableServer(t *testing.T) {
	// the agent uploads in the background, so start succeeds
	var last bool
	stop, err := Start(context.Background(), Options{
		Enabled:       true,
		AppName:       "wsexec.test",
		ServerAddress: "http://127.0.0.1:1",
		OnActive:      func(v bool) { last = v },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !last {
		t.Fatal("OnActive(true) not reported")
	}
	stop()
	stop()
	if last {
		t.Fatal("OnActive(false) not reported on stop")
	}
}
