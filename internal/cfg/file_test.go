package cfg

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "Settings.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return p
}

const sampleSettings = `
[global]
main = "index.html"
ws_listen = "127.0.0.1:8101"
http_listen = "127.0.0.1:8100"

[proxy]
reload = "reload.js"
alert = "s3://bucket/alert.js"
secret = "ssm:///wsexec/secret"
abs = "/srv/abs.js"
`

func TestLoadFile_FillsDefaults(t *testing.T) {
	p := writeSettings(t, sampleSettings)
	dir := filepath.Dir(p)
	flags, c := newTestFlags(t, nil)

	if err := LoadFile(p, flags, c); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if c.MainPage != filepath.Join(dir, "index.html") {
		t.Errorf("MainPage: got %q", c.MainPage)
	}
	if c.WSListen != "127.0.0.1:8101" || c.HTTPListen != "127.0.0.1:8100" {
		t.Errorf("listeners: got %q %q", c.WSListen, c.HTTPListen)
	}
	if c.AdminListen != "127.0.0.1:9000" {
		t.Errorf("AdminListen: want default, got %q", c.AdminListen)
	}
	want := map[string]string{
		"reload": filepath.Join(dir, "reload.js"),
		"alert":  "s3://bucket/alert.js",
		"secret": "ssm:///wsexec/secret",
		"abs":    "/srv/abs.js",
	}
	for name, src := range want {
		if c.Routes[name] != src {
			t.Errorf("route %s: want %q, got %q", name, src, c.Routes[name])
		}
	}
	if len(c.Routes) != len(want) {
		t.Errorf("Routes: got %v", c.Routes)
	}
}

func TestLoadFile_CLIWins(t *testing.T) {
	p := writeSettings(t, sampleSettings)
	flags, c := newTestFlags(t, []string{
		"-main-page=/cli/main.html",
		"-ws-listen=127.0.0.1:9999",
		"-route=reload=cli-reload.js",
	})

	if err := LoadFile(p, flags, c); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if c.MainPage != "/cli/main.html" {
		t.Errorf("MainPage: cli should win, got %q", c.MainPage)
	}
	if c.WSListen != "127.0.0.1:9999" {
		t.Errorf("WSListen: cli should win, got %q", c.WSListen)
	}
	if c.HTTPListen != "127.0.0.1:8100" {
		t.Errorf("HTTPListen: file should fill, got %q", c.HTTPListen)
	}
	if c.Routes["reload"] != "cli-reload.js" {
		t.Errorf("reload: cli should win per name, got %q", c.Routes["reload"])
	}
	if c.Routes["alert"] != "s3://bucket/alert.js" {
		t.Errorf("alert: file entries should merge, got %q", c.Routes["alert"])
	}
}

func TestLoadFile_EnvWinsOverFile(t *testing.T) {
	pfx := "TEST_WSEXEC_"
	t.Setenv(pfx+"HTTP_LISTEN", "127.0.0.1:18100")
	p := writeSettings(t, sampleSettings)
	flags, c := newTestFlags(t, nil)

	FillFromEnv(flags, pfx, nil)
	if err := LoadFile(p, flags, c); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.HTTPListen != "127.0.0.1:18100" {
		t.Errorf("HTTPListen: env should win, got %q", c.HTTPListen)
	}
}

func TestLoadFile_OptionalGlobalKeys(t *testing.T) {
	p := writeSettings(t, `
[global]
main = "m.html"
admin_listen = "127.0.0.1:9200"
wire_format = "json"
handshake_version = "3"

[proxy]
go = "go.js"
`)
	flags, c := newTestFlags(t, nil)
	if err := LoadFile(p, flags, c); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.AdminListen != "127.0.0.1:9200" || c.WireFormat != "json" || c.HandshakeVersion != "3" {
		t.Errorf("got admin=%q wire=%q version=%q", c.AdminListen, c.WireFormat, c.HandshakeVersion)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	flags, c := newTestFlags(t, nil)
	err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"), flags, c)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("want ErrNotExist, got %v", err)
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	p := writeSettings(t, "[global]\nmian = \"typo.html\"\n")
	flags, c := newTestFlags(t, nil)
	wantErrContains(t, LoadFile(p, flags, c), "parse settings")
}

func TestLoadFile_Malformed(t *testing.T) {
	p := writeSettings(t, "[global\nmain = \n")
	flags, c := newTestFlags(t, nil)
	wantErrContains(t, LoadFile(p, flags, c), "parse settings")
}

func TestLoadFile_EmptyProxySource(t *testing.T) {
	p := writeSettings(t, "[proxy]\nreload = \"\"\n")
	flags, c := newTestFlags(t, nil)
	wantErrContains(t, LoadFile(p, flags, c), `proxy "reload" has no source`)
}

func TestLoadFile_InvalidListenValueStillLoads(t *testing.T) {
	// string flags accept anything; Validate reports the bad address
	p := writeSettings(t, "[global]\nmain = \"m\"\nhttp_listen = \"nope\"\n[proxy]\na = \"a.js\"\n")
	flags, c := newTestFlags(t, nil)
	if err := LoadFile(p, flags, c); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	wantErrContains(t, Validate(*c), "HTTP_LISTEN must be host:port")
}

func TestResolveRef(t *testing.T) {
	cases := []struct{ dir, in, want string }{
		{"/etc/wsexec", "a.js", "/etc/wsexec/a.js"},
		{"/etc/wsexec", "sub/a.js#sha256=ab", "/etc/wsexec/sub/a.js#sha256=ab"},
		{"/etc/wsexec", "/abs/a.js", "/abs/a.js"},
		{"/etc/wsexec", "s3://b/k", "s3://b/k"},
		{"/etc/wsexec", "file:///x", "file:///x"},
		{"/etc/wsexec", "ssm:///p", "ssm:///p"},
		{".", "a.js", "a.js"},
		{"/etc/wsexec", "", ""},
	}
	for _, tc := range cases {
		if got := resolveRef(tc.dir, tc.in); got != tc.want {
			t.Errorf("resolveRef(%q, %q) = %q, want %q", tc.dir, tc.in, got, tc.want)
		}
	}
}
