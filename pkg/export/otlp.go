// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/canhieu/proxybridge/pkg/config"
	"github.com/canhieu/proxybridge/pkg/history"
)

// OTLPExporter ships captured transactions as client spans via OTLP
// gRPC, with automatic reconnection.
type OTLPExporter struct {
	logger   *zap.Logger
	version  string
	endpoint string
	opts     []grpc.DialOption

	mu       sync.RWMutex
	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, version string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	e := &OTLPExporter{
		logger:   logger,
		version:  version,
		endpoint: cfg.Endpoint,
		opts:     opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

func (e *OTLPExporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", "proxybridge"),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, os.Getpid())),
		strAttr("telemetry.sdk.name", "proxybridge"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(os.Getpid())),
	}
	if e.version != "" {
		attrs = append(attrs, strAttr("service.version", e.version))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

// ExportEntries sends captured transactions as spans via OTLP gRPC.
func (e *OTLPExporter) ExportEntries(ctx context.Context, entries []*history.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	spans := make([]*tracepb.Span, 0, len(entries))
	for _, entry := range entries {
		spans = append(spans, convertEntry(entry))
	}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: e.resource(),
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    "proxybridge",
							Version: e.version,
						},
						Spans: spans,
					},
				},
			},
		},
	}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// convertEntry maps one captured transaction to a client span. The
// transaction is observed after the fact, so start and end both carry
// the capture timestamp.
func convertEntry(entry *history.Entry) *tracepb.Span {
	ts := entry.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	name := entry.Method
	if name == "" {
		name = "CAPTURE"
	}
	name = name + " " + entry.Host

	ps := &tracepb.Span{
		TraceId:           randomID(16),
		SpanId:            randomID(8),
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
		StartTimeUnixNano: uint64(ts.UnixNano()),
		EndTimeUnixNano:   uint64(ts.UnixNano()),
		Attributes: []*commonpb.KeyValue{
			strAttr("url.full", entry.URL),
			strAttr("server.address", entry.Host),
			intAttr("server.port", int64(entry.Port)),
			strAttr("network.protocol.name", entry.Protocol),
			intAttr("proxybridge.index", int64(entry.Index)),
		},
		Status: &tracepb.Status{},
	}
	if entry.Method != "" {
		ps.Attributes = append(ps.Attributes, strAttr("http.request.method", entry.Method))
	}
	if entry.StatusCode != 0 {
		ps.Attributes = append(ps.Attributes, intAttr("http.response.status_code", int64(entry.StatusCode)))
		if entry.StatusCode >= 400 {
			ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
			ps.Status.Message = http.StatusText(entry.StatusCode)
		}
	}
	return ps
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

func randomID(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
