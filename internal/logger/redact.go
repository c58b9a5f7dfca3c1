// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package logger

import "context"

// The values of redactedFieldKeys never reach the wrapped logger's output,
// whatever a caller passes for them: the key is kept and its value is
// replaced with redactedPlaceholder. The backup and group subsystems route message
// and envelope payloads through these keys so a programmer error (passing
// a payload field by the wrong name) still gets caught.
var redactedFieldKeys = map[string]struct{}{
	"payload": {},
	"text":    {},
	"content": {},
	"body":    {},
}

const redactedPlaceholder = "[redacted]"

// RedactingLogger wraps a Logger and replaces the values of payload-shaped
// fields with a placeholder before they reach the underlying sink. It never receives or inspects message
// plaintext itself — callers must still avoid passing payload bytes as the
// log message string, only as a field.
type RedactingLogger struct {
	inner Logger
}

// NewRedactingLogger wraps inner so every call logs only id-shaped
// metadata, never content (spec §4.7, §8 property 10).
func NewRedactingLogger(inner Logger) *RedactingLogger {
	return &RedactingLogger{inner: inner}
}

func redact(fields []Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		if _, sensitive := redactedFieldKeys[f.Key]; sensitive {
			out[i] = Field{Key: f.Key, Value: redactedPlaceholder}
			continue
		}
		out[i] = f
	}
	return out
}

func (r *RedactingLogger) Debug(msg string, fields ...Field) { r.inner.Debug(msg, redact(fields)...) }
func (r *RedactingLogger) Info(msg string, fields ...Field)  { r.inner.Info(msg, redact(fields)...) }
func (r *RedactingLogger) Warn(msg string, fields ...Field)  { r.inner.Warn(msg, redact(fields)...) }
func (r *RedactingLogger) Error(msg string, fields ...Field) { r.inner.Error(msg, redact(fields)...) }
func (r *RedactingLogger) Fatal(msg string, fields ...Field) { r.inner.Fatal(msg, redact(fields)...) }

func (r *RedactingLogger) WithContext(ctx context.Context) Logger {
	return &RedactingLogger{inner: r.inner.WithContext(ctx)}
}

func (r *RedactingLogger) WithFields(fields ...Field) Logger {
	return &RedactingLogger{inner: r.inner.WithFields(redact(fields)...)}
}

func (r *RedactingLogger) SetLevel(level Level) { r.inner.SetLevel(level) }
func (r *RedactingLogger) GetLevel() Level       { return r.inner.GetLevel() }
