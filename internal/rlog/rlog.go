// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rlog is the context-aware logging facade used by every
// component. It wraps a single process-wide *zap.Logger behind an
// atomic pointer so tests can swap it without a global data race.
package rlog

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type replicaKey struct{}
type tableKey struct{}
type partitionKey struct{}

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	global.Store(l)
}

// SetGlobal replaces the process-wide logger, returning the previous
// one so callers (mainly tests via gostub) can restore it.
func SetGlobal(l *zap.Logger) *zap.Logger {
	return global.Swap(l)
}

// NewRotatingProduction builds a JSON logger writing to a
// lumberjack-rotated file, the production logging sink for
// cmd/rtreplica.
func NewRotatingProduction(path string, maxSizeMB, maxBackups, maxAgeDays int) *zap.Logger {
	sink := zapcoreWriteSyncer(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	cfg := zap.NewProductionEncoderConfig()
	core := newJSONCore(cfg, sink)
	return zap.New(core, zap.AddCaller())
}

// WithReplica returns a context that stamps replica on every log line.
func WithReplica(ctx context.Context, replica string) context.Context {
	return context.WithValue(ctx, replicaKey{}, replica)
}

// WithTable returns a context that stamps table on every log line.
func WithTable(ctx context.Context, table string) context.Context {
	return context.WithValue(ctx, tableKey{}, table)
}

// WithPartition returns a context that stamps partition on every log line.
func WithPartition(ctx context.Context, partition string) context.Context {
	return context.WithValue(ctx, partitionKey{}, partition)
}

func contextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v, ok := ctx.Value(replicaKey{}).(string); ok {
		fields = append(fields, zap.String("replica", v))
	}
	if v, ok := ctx.Value(tableKey{}).(string); ok {
		fields = append(fields, zap.String("table", v))
	}
	if v, ok := ctx.Value(partitionKey{}).(string); ok {
		fields = append(fields, zap.String("partition", v))
	}
	return fields
}

func logger(ctx context.Context) *zap.Logger {
	return global.Load().WithOptions(zap.AddCallerSkip(1)).With(contextFields(ctx)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) { logger(ctx).Debug(msg, fields...) }
func Info(ctx context.Context, msg string, fields ...zap.Field)  { logger(ctx).Info(msg, fields...) }
func Warn(ctx context.Context, msg string, fields ...zap.Field)  { logger(ctx).Warn(msg, fields...) }
func Error(ctx context.Context, msg string, fields ...zap.Field) { logger(ctx).Error(msg, fields...) }

// Aborted logs a spec-§7 Aborted condition at INFO, never ERROR: it
// is the expected shape of a shutdown/drop-table race, not a fault.
func Aborted(ctx context.Context, msg string, fields ...zap.Field) { logger(ctx).Info(msg, fields...) }

// Fatal logs a LogicalInvariantViolated condition loudly (spec §7)
// without terminating the process — the caller drives the table
// readonly, it does not call os.Exit.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	logger(ctx).WithOptions(zap.AddStacktrace(zap.ErrorLevel)).Error(msg, fields...)
}
