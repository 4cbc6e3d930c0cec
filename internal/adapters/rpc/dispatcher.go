// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rpc serves the registry over newline-delimited JSON-RPC 2.0.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/btouchard/nvim-manager/internal/domain"
	"github.com/btouchard/nvim-manager/pkg/api"
)

// Registry is the subset of app.Registry the dispatcher routes to.
type Registry interface {
	Register(ctx context.Context, identifier, serverAddress string) error
	Unregister(ctx context.Context, identifier string) error
	Query(ctx context.Context, identifier string) (domain.Snapshot, bool)
	List(ctx context.Context) ([]domain.Snapshot, error)
}

// RequestMetrics receives per-request and per-connection events.
type RequestMetrics interface {
	RecordRequest(method, status string, duration time.Duration)
	RecordRateLimited()
	ConnectionOpened()
	ConnectionClosed()
}

type nopRequestMetrics struct{}

func (nopRequestMetrics) RecordRequest(string, string, time.Duration) {}
func (nopRequestMetrics) RecordRateLimited()                          {}
func (nopRequestMetrics) ConnectionOpened()                           {}
func (nopRequestMetrics) ConnectionClosed()                           {}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, *api.Error)

// Dispatcher maps a method name to a registry operation.
type Dispatcher struct {
	registry Registry
	shutdown func()
	metrics  RequestMetrics
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithShutdown sets the hook run by the shutdown method. The production
// hook exits the process; if it returns, the caller gets "shutting down".
func WithShutdown(fn func()) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.shutdown = fn
		}
	}
}

// WithRequestMetrics sets the request metrics sink.
func WithRequestMetrics(m RequestMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher creates a Dispatcher routing to registry.
func NewDispatcher(registry Registry, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		shutdown: func() {},
		metrics:  nopRequestMetrics{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.handlers = map[string]handlerFunc{
		api.MethodQueryInstance:      d.queryInstance,
		api.MethodListInstances:      d.listInstances,
		api.MethodRegisterInstance:   d.registerInstance,
		api.MethodUnregisterInstance: d.unregisterInstance,
		api.MethodShutdown:           d.shutdownManager,
	}
	return d
}

// Dispatch handles one request and always returns a response echoing its id.
func (d *Dispatcher) Dispatch(ctx context.Context, req api.Request) api.Response {
	start := time.Now()

	resp := d.dispatch(ctx, req)

	status := "ok"
	if resp.Error != nil {
		status = strconv.Itoa(resp.Error.Code)
	}
	method := req.Method
	if _, known := d.handlers[method]; !known {
		method = "unknown"
	}
	d.metrics.RecordRequest(method, status, time.Since(start))
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req api.Request) api.Response {
	handler, ok := d.handlers[req.Method]
	if !ok {
		d.logger.Debug("unknown method", "method", req.Method)
		return api.NewErrorResponse(req.ID, api.NewError(api.CodeMethodNotFound, "Method not found", nil))
	}

	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		return api.NewErrorResponse(req.ID, rpcErr)
	}

	resp, err := api.NewResult(req.ID, result)
	if err != nil {
		return api.NewErrorResponse(req.ID, api.NewError(api.CodeInternalError, err.Error(), nil))
	}
	return resp
}

func (d *Dispatcher) queryInstance(ctx context.Context, raw json.RawMessage) (any, *api.Error) {
	var params api.QueryInstanceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	snapshot, ok := d.registry.Query(ctx, params.Identifier)
	if !ok {
		return nil, nil
	}
	return toResult(snapshot), nil
}

func (d *Dispatcher) listInstances(ctx context.Context, _ json.RawMessage) (any, *api.Error) {
	snapshots, err := d.registry.List(ctx)
	if err != nil {
		return nil, mapError("", err)
	}

	out := make([]api.InstanceResult, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, toResult(s))
	}
	return out, nil
}

func (d *Dispatcher) registerInstance(ctx context.Context, raw json.RawMessage) (any, *api.Error) {
	var params api.RegisterInstanceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	if err := d.registry.Register(ctx, params.Identifier, params.ServerAddress); err != nil {
		return nil, mapError(params.Identifier, err)
	}
	return api.ResultRegistered, nil
}

func (d *Dispatcher) unregisterInstance(ctx context.Context, raw json.RawMessage) (any, *api.Error) {
	var params api.UnregisterInstanceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	if err := d.registry.Unregister(ctx, params.Identifier); err != nil {
		return nil, mapError(params.Identifier, err)
	}
	return api.ResultUnregistered, nil
}

func (d *Dispatcher) shutdownManager(_ context.Context, _ json.RawMessage) (any, *api.Error) {
	d.logger.Info("shutdown requested")
	d.shutdown()
	return api.ResultShuttingDown, nil
}

func decodeParams(raw json.RawMessage, v any) *api.Error {
	if len(raw) == 0 {
		return invalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func invalidParams(err error) *api.Error {
	return api.NewError(api.CodeInternalError, fmt.Sprintf("Invalid parameters: %v", err), nil)
}

// mapError converts registry errors into protocol errors.
func mapError(identifier string, err error) *api.Error {
	switch {
	case errors.Is(err, domain.ErrInstanceAlreadyExists):
		return api.NewError(api.CodeInstanceAlreadyExists, "Instance already exists",
			api.IdentifierData{Identifier: identifier})
	case errors.Is(err, domain.ErrInstanceNotFound):
		return api.NewError(api.CodeInstanceNotFound, "Instance not found",
			api.IdentifierData{Identifier: identifier})
	case errors.Is(err, domain.ErrInvalidIdentifier), errors.Is(err, domain.ErrInvalidServerAddress):
		return invalidParams(err)
	default:
		return api.NewError(api.CodeInternalError, err.Error(), nil)
	}
}

func toResult(s domain.Snapshot) api.InstanceResult {
	return api.InstanceResult{
		Identifier:      s.Identifier,
		ServerAddress:   s.ServerAddress,
		HealthStatus:    string(s.HealthStatus),
		LastHealthCheck: s.LastHealthCheck,
	}
}
