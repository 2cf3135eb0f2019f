package glimpse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/glimpse-analytics/glimpse-go/internal/core"
)

const (
	realtimeInitialBackoff = time.Second
	realtimeMaxBackoff     = 30 * time.Second
)

// runRealtime keeps a server-sent-events stream open and applies flag
// patches as they arrive, reconnecting with capped exponential backoff.
func (c *Client) runRealtime(ctx context.Context) {
	defer c.wg.Done()

	backoff := realtimeInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		body, err := c.api.openStream(ctx)
		if err != nil {
			c.log.Warn("realtime stream connect failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, realtimeMaxBackoff)
			continue
		}

		backoff = realtimeInitialBackoff
		c.log.Info("realtime flag stream connected")
		c.consumeStream(ctx, body)
		body.Close()
	}
}

// consumeStream reads SSE events until the stream ends or ctx is cancelled.
// It handles the subset of the SSE format the platform emits: event and data
// fields, blank-line flush, multi-line data concatenation.
func (c *Client) consumeStream(ctx context.Context, r io.Reader) {
	br := bufio.NewReaderSize(r, 1<<20)

	var (
		eventType string
		dataLines []string
	)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 && (eventType == "" || eventType == "flag") {
				c.handlePatch(strings.Join(dataLines, "\n"))
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

// handlePatch decodes one flag patch and applies it to the snapshot. A patch
// with deleted set removes the flag; anything else upserts it by key.
func (c *Client) handlePatch(data string) {
	var flag core.FlagDefinition
	if err := json.Unmarshal([]byte(data), &flag); err != nil {
		c.log.Warn("dropping malformed realtime flag patch", "error", err)
		return
	}
	if flag.Key == "" {
		c.log.Warn("dropping realtime flag patch without a key")
		return
	}

	c.applyPatch(&flag)

	op := "upsert"
	if flag.Deleted {
		op = "delete"
	}
	c.metrics.RecordRealtimePatch(op)
	c.log.Debug("applied realtime flag patch", "flag", flag.Key, "op", op)

	if callback := c.cfg.OnFlagUpdate; callback != nil {
		c.invokeUpdateCallback(callback, &flag)
	}
}

// applyPatch rebuilds the snapshot with one flag upserted or removed. The
// definition version is unchanged: a patch refines the current set rather
// than superseding it.
func (c *Client) applyPatch(flag *core.FlagDefinition) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	prev := c.snap.Load()
	if prev == nil {
		if flag.Deleted {
			return
		}
		c.snap.Store(buildSnapshot(&DefinitionData{Flags: []*core.FlagDefinition{flag}}, 1, ""))
		return
	}

	flags := make([]*core.FlagDefinition, 0, len(prev.flags)+1)
	for _, existing := range prev.flags {
		if existing.Key != flag.Key {
			flags = append(flags, existing)
		}
	}
	if !flag.Deleted {
		flags = append(flags, flag)
	}

	c.snap.Store(buildSnapshot(&DefinitionData{
		Flags:            flags,
		GroupTypeMapping: prev.groupTypeMapping,
		Cohorts:          prev.cohorts,
	}, prev.version, prev.etag))
}

// invokeUpdateCallback runs the user callback with panic isolation so a
// misbehaving callback cannot abort patch application or kill the stream.
func (c *Client) invokeUpdateCallback(callback func(string, *FlagDefinition), flag *core.FlagDefinition) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("flag update callback panicked", "flag", flag.Key, "panic", r)
		}
	}()
	callback(flag.Key, flag)
}
