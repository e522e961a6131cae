package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/ctrtools/internal/catalog"
	"github.com/danmuck/ctrtools/internal/config"
	"github.com/danmuck/ctrtools/internal/fetch"
	"github.com/danmuck/ctrtools/internal/ledger"
	"github.com/danmuck/ctrtools/internal/provision"
	"github.com/rs/zerolog/log"
)

// app is the per-invocation wiring shared by subcommands.
type app struct {
	cfg         config.Config
	registry    *catalog.Registry
	provisioner *provision.Provisioner
	ledger      *ledger.Store
}

type appOptions struct {
	withLedger bool
	failFast   *bool
}

func loadApp(opts *cliOptions, aopts appOptions) (*app, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(opts.dir); dir != "" {
		cfg.Dir = dir
	}
	if path := strings.TrimSpace(opts.ledgerPath); path != "" {
		cfg.Ledger = path
	}
	if aopts.failFast != nil {
		cfg.FailFast = *aopts.failFast
	}

	dir, err := config.ExpandHome(cfg.Dir)
	if err != nil {
		return nil, err
	}
	registry, err := catalog.NewRegistryFrom(cfg.Tools)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, registry: registry}
	pcfg := provision.Config{
		Dir:          dir,
		HelpLines:    cfg.HelpLines,
		SmokeTimeout: cfg.SmokeTimeout,
		FailFast:     cfg.FailFast,
		Fetcher: fetch.NewDownloader(fetch.Options{
			Timeout:   cfg.HTTPTimeout,
			UserAgent: cfg.UserAgent,
		}),
	}
	if aopts.withLedger {
		path, err := config.ExpandHome(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		store, err := ledger.Open(path)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", store.Path()).Msg("ledger open")
		a.ledger = store
		pcfg.Ledger = store
	}

	p, err := provision.New(pcfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.provisioner = p
	log.Debug().Str("dir", p.Dir()).Int("tools", registry.Len()).Msg("app ready")
	return a, nil
}

func (a *app) selectTools(only []string) ([]catalog.Descriptor, error) {
	selected, err := a.registry.Select(only)
	if err != nil {
		return nil, fmt.Errorf("select tools: %w", err)
	}
	return selected, nil
}

func (a *app) Close() {
	if a.ledger == nil {
		return
	}
	if err := a.ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("close ledger")
	}
}
