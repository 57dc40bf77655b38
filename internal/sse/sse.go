// Package sse implements C12: relaying a provider's streamed response to
// the gateway's client as normalized Server-Sent Events, grounded directly
// on the teacher's sdk/api/handlers/stream_forwarder.go ForwardStream
// select-loop (data channel / error channel / keepalive ticker / context
// cancellation), adapted to the gateway's fixed event framing and terminal
// sentinel.
package sse

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorMessage is the mid-stream error payload (spec §4.12).
type ErrorMessage struct {
	Type  string
	Error error
}

// Flusher is the subset of http.Flusher the bridge needs; satisfied by
// http.ResponseWriter in any framework the gateway's HTTP layer uses.
type Flusher interface {
	Flush()
}

// Writer is the subset of io.Writer the bridge writes SSE bytes to.
type Writer interface {
	Write(p []byte) (int, error)
}

// Options configures one ForwardStream invocation (spec §4.12).
type Options struct {
	// HeartbeatInterval overrides the configured heartbeat; <= 0 disables it.
	HeartbeatInterval time.Duration
}

// SetHeaders sets the SSE response headers (spec §4.12). Must be called
// before any bytes are written to w.
func SetHeaders(header http.Header) {
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
}

// WriteEvent normalizes one upstream chunk into `event: <name>\ndata:
// <payload>\n\n` framing (spec §4.12). If name is empty, only the data
// line is written, matching providers that emit bare `data:` lines.
func WriteEvent(w Writer, name string, data []byte) {
	if name != "" {
		_, _ = w.Write([]byte("event: " + name + "\n"))
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func writeHeartbeat(w Writer) {
	_, _ = w.Write([]byte(fmt.Sprintf(": heartbeat %d\n\n", time.Now().UnixMilli())))
}

func writeDone(w Writer) {
	_, _ = w.Write([]byte("event: response.done\ndata: {\"type\":\"response.done\"}\n\n"))
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
}

func writeTerminalError(w Writer, msg *ErrorMessage) {
	detail := ""
	if msg != nil && msg.Error != nil {
		detail = msg.Error.Error()
	}
	typ := "error"
	if msg != nil && msg.Type != "" {
		typ = msg.Type
	}
	payload := fmt.Sprintf(`{"type":%q,"error":{"message":%q}}`, typ, detail)
	_, _ = w.Write([]byte("event: response.error\ndata: " + payload + "\n\n"))
}

// ForwardStream relays upstream SSE/chunked bytes already split into frames
// on data to w, normalizing framing and emitting the terminal sentinel
// (spec §4.12). cancel is always invoked exactly once, with the triggering
// error (nil on clean completion). done is closed by the caller to signal
// client disconnect.
func ForwardStream(w Writer, flusher Flusher, done <-chan struct{}, cancel func(error), data <-chan []byte, errs <-chan *ErrorMessage, opts Options) {
	heartbeatInterval := opts.HeartbeatInterval
	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	if heartbeatInterval > 0 {
		heartbeat = time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		heartbeatC = heartbeat.C
	}

	var terminalErr *ErrorMessage
	for {
		select {
		case <-done:
			cancel(fmt.Errorf("sse: client disconnected"))
			return
		case chunk, ok := <-data:
			if !ok {
				if terminalErr == nil {
					select {
					case errMsg, ok := <-errs:
						if ok && errMsg != nil {
							terminalErr = errMsg
						}
					default:
					}
				}
				if terminalErr != nil {
					writeTerminalError(w, terminalErr)
					writeDone(w)
					flusher.Flush()
					cancel(terminalErr.Error)
					return
				}
				writeDone(w)
				flusher.Flush()
				cancel(nil)
				return
			}
			WriteEvent(w, "", chunk)
			flusher.Flush()
		case errMsg, ok := <-errs:
			if !ok {
				continue
			}
			var execErr error
			if errMsg != nil {
				terminalErr = errMsg
				execErr = errMsg.Error
				writeTerminalError(w, errMsg)
				writeDone(w)
				flusher.Flush()
			}
			cancel(execErr)
			return
		case <-heartbeatC:
			writeHeartbeat(w)
			flusher.Flush()
		}
	}
}
