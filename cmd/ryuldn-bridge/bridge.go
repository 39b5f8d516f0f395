package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryuldn-go/ryuldn-bridge/config"
	"github.com/ryuldn-go/ryuldn-bridge/orchestrator"
)

// bridge is a thin wrapper binding the configured orchestrator to the
// process lifetime; it exists so the admin server has one small surface to
// depend on instead of the whole orchestrator package.
type bridge struct {
	orch *orchestrator.Orchestrator
}

func newBridge(cfg config.Config, reg *prometheus.Registry) *bridge {
	return &bridge{orch: orchestrator.New(cfg, reg)}
}

func (b *bridge) Start() { b.orch.Start() }
func (b *bridge) Stop()  { b.orch.Stop() }
