/*
Copyright 2024-2025 UniFarm Connect

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracing

// General purpose OpenTelemetry functions. Spans are no-ops unless the
// application installs a tracer provider with otel.SetTracerProvider().

import (
	"context"
	"runtime"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/unifarm/farmsync"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named after the calling function.
// When done, be sure to call EndSpan().
func StartSpan(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	operationName, fileTag := getCallerInfoForTracing(2)
	return startSpan(ctx, operationName, fileTag, attrs)
}

// StartNamedSpan starts a span using the given operation name.
// When done, be sure to call EndSpan().
func StartNamedSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	_, fileTag := getCallerInfoForTracing(2)
	return startSpan(ctx, operationName, fileTag, attrs)
}

func startSpan(ctx context.Context, operationName, fileTag string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("file", fileTag))
	return tracer().Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// EndSpan records `err` on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func getCallerInfoForTracing(stackIndex int) (string, string) {
	fileTag := "unknown"
	operationName := "unknown"
	pc, file, line, callerOk := runtime.Caller(stackIndex)

	if callerOk {
		operationName = runtime.FuncForPC(pc).Name()
		fileTag = file + ":" + strconv.Itoa(line)
	}

	return operationName, fileTag
}
