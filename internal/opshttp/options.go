package opshttp

import (
	"net/http"

	"github.com/keithlinneman/wsexec/internal/health"
)

type Options struct {
	// Addr is host:port. Defaults to DefaultAddr.
	Addr         string
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	// OnPanic runs for every recovered panic, e.g. to count it.
	OnPanic func()
}
