// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const textTimeLayout = "2006/01/02 15:04:05.000000"

type replaceAttrFunc func(groups []string, a slog.Attr) slog.Attr

// textHandler renders records as `time="..." severity=LEVEL message="..."`.
type textHandler struct {
	mu           sync.Mutex
	w            io.Writer
	programLevel *slog.LevelVar
	replaceAttr  replaceAttrFunc
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.programLevel.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	severity := h.replaceAttr(nil, slog.Any(slog.LevelKey, r.Level)).Value.String()
	message := h.replaceAttr(nil, slog.String(slog.MessageKey, r.Message)).Value.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n", r.Time.Format(textTimeLayout), severity, message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

// jsonHandler renders records as newline-delimited JSON with a
// {seconds,nanos} timestamp, matching the wire convention the rest of the
// gateway's structured payloads use.
type jsonHandler struct {
	mu           sync.Mutex
	w            io.Writer
	programLevel *slog.LevelVar
	replaceAttr  replaceAttrFunc
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.programLevel.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	severity := h.replaceAttr(nil, slog.Any(slog.LevelKey, r.Level)).Value.String()
	message := h.replaceAttr(nil, slog.String(slog.MessageKey, r.Message)).Value.String()
	seconds, nanos := unixTimestamp(r.Time)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
		seconds, nanos, severity, message)
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler      { return h }
