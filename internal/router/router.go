// Package router selects the upstream backend for a canonical request and
// runs the response cache in front of the upstream. Identical in-flight
// requests are collapsed onto a single upstream call.
package router

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/config"
	"github.com/babelgate/babelgate/internal/telemetry"
	"github.com/babelgate/babelgate/internal/usage"
)

// Decision is the routing outcome for one request: where it goes, in which
// protocol, under which model name, and whether its response may be cached.
type Decision struct {
	Backend     *config.Backend
	Target      canonical.ProtocolVariant
	Model       string
	Fingerprint string
	Cacheable   bool
}

// Router resolves requests to backends and fronts them with the cache.
type Router struct {
	cfg     *config.Config
	cache   *Cache
	group   singleflight.Group
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New builds a router over cfg. Close releases the cache sweeper.
func New(cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) *Router {
	return &Router{
		cfg:     cfg,
		cache:   NewCache(cfg.Cache.TTL.Std(), cfg.Cache.Capacity, metrics),
		metrics: metrics,
		logger:  logger,
	}
}

// Close stops the cache sweeper.
func (r *Router) Close() {
	r.cache.Close()
}

// Route picks the backend for req. Selection order: first matching prefix
// rule, then the long-context route when the estimated prompt exceeds the
// configured threshold, then any backend listing the model, then the
// default. The fingerprint is computed over the request with the effective
// model name, so a rewritten model shares cache entries with direct calls
// to the same upstream model.
func (r *Router) Route(req *canonical.Request) (*Decision, error) {
	backend, model := r.selectBackend(req)
	if backend == nil {
		return nil, canonical.E(canonical.ErrInternal, "no backend configured for model %q", req.Model)
	}

	effective := *req
	effective.Model = model

	return &Decision{
		Backend:     backend,
		Target:      backend.Variant(),
		Model:       model,
		Fingerprint: Fingerprint(&effective),
		Cacheable:   r.cacheable(req),
	}, nil
}

func (r *Router) selectBackend(req *canonical.Request) (*config.Backend, string) {
	for _, rule := range r.cfg.Router.Rules {
		if strings.HasPrefix(req.Model, rule.Prefix) {
			if b := r.cfg.Backend(rule.Backend); b != nil {
				model := req.Model
				if rule.RewriteModel != "" {
					model = rule.RewriteModel
				}
				return b, model
			}
		}
	}

	if r.cfg.Router.LongContext != "" &&
		usage.EstimateRequestTokens(req) > r.cfg.Router.LongContextTokens {
		if b := r.cfg.Backend(r.cfg.Router.LongContext); b != nil {
			r.logger.Debug("long-context route",
				slog.String("model", req.Model),
				slog.String("backend", b.Name))
			return b, req.Model
		}
	}

	for i := range r.cfg.Backends {
		if slices.Contains(r.cfg.Backends[i].Models, req.Model) {
			return &r.cfg.Backends[i], req.Model
		}
	}

	return r.cfg.Backend(r.cfg.Router.Default), req.Model
}

// cacheable reports whether the response may be written through to the
// cache: only deterministic requests (temperature explicitly zero) or
// models the operator has marked cacheable.
func (r *Router) cacheable(req *canonical.Request) bool {
	if t := req.Params.Temperature; t != nil && *t == 0 {
		return true
	}
	return slices.Contains(r.cfg.Cache.CacheableModels, req.Model)
}

// Lookup checks the cache for the decision's fingerprint. A stored entry
// whose own fingerprint disagrees with its key is an internal inconsistency:
// it is logged, dropped, and reported as a miss so it can never be served.
func (r *Router) Lookup(d *Decision) (*Entry, bool) {
	if !d.Cacheable {
		return nil, false
	}
	entry, ok := r.cache.Get(d.Fingerprint)
	if !ok {
		r.metrics.RecordCacheMiss()
		return nil, false
	}
	if entry.Fingerprint != d.Fingerprint {
		r.logger.Error("cache entry fingerprint mismatch",
			slog.String("key", d.Fingerprint),
			slog.String("stored", entry.Fingerprint))
		r.metrics.RecordFailure(canonical.ErrCacheInconsistent)
		r.cache.Delete(d.Fingerprint)
		r.metrics.RecordCacheMiss()
		return nil, false
	}
	r.metrics.RecordCacheHit()
	return entry, true
}

// FetchOrJoin runs fetch under a single-flight group keyed by the decision's
// fingerprint. Concurrent callers with the same fingerprint block on the
// leader and share its result; a leader error (including cancellation)
// propagates to every waiter. Successful results are written through to the
// cache. shared reports whether this caller joined an existing flight.
//
// Non-cacheable requests bypass the group entirely: collapsing them would
// hand one caller another caller's nondeterministic completion.
func (r *Router) FetchOrJoin(ctx context.Context, d *Decision, fetch func(context.Context) (*Entry, error)) (entry *Entry, shared bool, err error) {
	if !d.Cacheable {
		e, err := fetch(ctx)
		return e, false, err
	}

	v, err, shared := r.group.Do(d.Fingerprint, func() (any, error) {
		e, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		e.Fingerprint = d.Fingerprint
		if e.StoredAt.IsZero() {
			e.StoredAt = time.Now()
		}
		r.cache.Put(d.Fingerprint, e)
		return e, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*Entry), shared, nil
}
