package cfg

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// fileSettings is the settings file layout:
//
//	[global]
//	main = "index.html"
//	ws_listen = "127.0.0.1:8001"
//	http_listen = "127.0.0.1:8000"
//
//	[proxy]
//	reload = "reload.js"
type fileSettings struct {
	Global struct {
		Main        string `toml:"main"`
		HTTPListen  string `toml:"http_listen"`
		WSListen    string `toml:"ws_listen"`
		AdminListen string `toml:"admin_listen"`
		WireFormat  string `toml:"wire_format"`
		Version     string `toml:"handshake_version"`
	} `toml:"global"`
	Proxy map[string]string `toml:"proxy"`
}

// LoadFile applies the settings file at path. Values only fill flags that
// are not already set; [proxy] entries are added for names not already
// routed. Relative file references resolve against the file's directory.
func LoadFile(path string, fs *flag.FlagSet, c *App) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings %s: %w", path, err)
	}

	var s fileSettings
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("parse settings %s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("parse settings %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	fill := func(name, val string) error {
		if val == "" || IsSet(fs, name) {
			return nil
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("settings %s: %s: %w", path, name, err)
		}
		return nil
	}

	for _, kv := range []struct{ name, val string }{
		{"main-page", resolveRef(dir, s.Global.Main)},
		{"http-listen", s.Global.HTTPListen},
		{"ws-listen", s.Global.WSListen},
		{"admin-listen", s.Global.AdminListen},
		{"wire-format", s.Global.WireFormat},
		{"handshake-version", s.Global.Version},
	} {
		if err := fill(kv.name, kv.val); err != nil {
			return err
		}
	}

	if c.Routes == nil {
		c.Routes = Routes{}
	}
	names := make([]string, 0, len(s.Proxy))
	for n := range s.Proxy {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, ok := c.Routes[n]; ok {
			continue
		}
		src := strings.TrimSpace(s.Proxy[n])
		if src == "" {
			return fmt.Errorf("settings %s: proxy %q has no source", path, n)
		}
		c.Routes[n] = resolveRef(dir, src)
	}
	return nil
}

// resolveRef anchors a relative local path on dir and leaves remote
// references untouched.
func resolveRef(dir, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "://") || strings.HasPrefix(ref, "ssm:") {
		return ref
	}
	if filepath.IsAbs(ref) || dir == "" || dir == "." {
		return ref
	}
	return filepath.Join(dir, ref)
}
