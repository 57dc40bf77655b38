// Package httpapi wires C7-C12 into the gateway's inbound HTTP surface,
// grounded on the teacher's sdk/api router setup (gin.Engine with a
// request-id/logging middleware chain and per-dialect handler groups),
// adapted to dispatch every dialect through pipeline.Manager.ProcessRequest
// instead of the teacher's per-provider executor dispatch.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/logging"
	"github.com/routecodex/gateway/internal/pipeline"
	"github.com/routecodex/gateway/internal/sse"
)

var apiLog = logging.For("httpapi")

// Server wraps the gin.Engine and the components it dispatches requests to.
type Server struct {
	Engine    *gin.Engine
	Manager   *pipeline.Manager
	Portal    *Portal
	APIKeys   map[string]bool
	Streaming gwconfig.StreamingConfig
}

// NewServer builds the HTTP surface: request-id middleware, API-key auth,
// the four dialect endpoints, the token portal, and /health.
func NewServer(mgr *pipeline.Manager, portal *Portal, apiKeys []string, streaming gwconfig.StreamingConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}

	s := &Server{Engine: engine, Manager: mgr, Portal: portal, APIKeys: keys, Streaming: streaming}

	engine.Use(requestIDMiddleware())
	engine.Use(requestLoggingMiddleware())

	engine.GET("/health", s.handleHealth)
	engine.GET(portal.Path(), gin.WrapF(portal.Handler()))

	v1 := engine.Group("/v1", s.authMiddleware())
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/responses", s.handleResponses)
	v1.POST("/responses/:id/submit_tool_outputs", s.handleSubmitToolOutputs)
	v1.POST("/messages", s.handleMessages)

	return s
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		apiLog.WithField("request_id", c.GetString("request_id")).
			WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Info("request completed")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.APIKeys) == 0 {
			c.Next()
			return
		}
		key := bearerToken(c.GetHeader("Authorization"))
		if key == "" || !s.APIKeys[key] {
			writeErrorEnvelope(c, http.StatusUnauthorized, "auth_missing", "missing or invalid API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.Manager.Mode()})
}

// writeErrorEnvelope writes the stable JSON error shape surfaced to callers (spec §7).
func writeErrorEnvelope(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":       code,
			"message":    message,
			"request_id": c.GetString("request_id"),
		},
	})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.dispatch(c, gwconfig.EntryChatCompletions)
}

func (s *Server) handleResponses(c *gin.Context) {
	s.dispatch(c, gwconfig.EntryResponses)
}

func (s *Server) handleMessages(c *gin.Context) {
	s.dispatch(c, gwconfig.EntryMessages)
}

// handleSubmitToolOutputs accepts a follow-up turn that carries tool
// outputs for a previously issued Responses-dialect call; the gateway
// treats it as a normal request through the same pipeline, since tool-
// output continuation is modeled as another chat-shaped turn once C7 has
// projected it (spec §4.7 scope: conversion, not response-id bookkeeping,
// which is an external concern per spec §1). It shares the Responses
// dialect's entry endpoint since it continues that same conversation.
func (s *Server) handleSubmitToolOutputs(c *gin.Context) {
	s.dispatch(c, gwconfig.EntryResponses)
}

func (s *Server) dispatch(c *gin.Context, entryEndpoint gwconfig.EntryEndpoint) {
	body, err := c.GetRawData()
	if err != nil {
		writeErrorEnvelope(c, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}
	requestID := c.GetString("request_id")
	req := pipeline.Request{ID: requestID, Body: body, EntryEndpoint: entryEndpoint}

	if gjson.GetBytes(body, "stream").Bool() {
		upstream, serr := s.Manager.ProcessStreamingRequest(c.Request.Context(), req)
		if serr != nil {
			writeErrorEnvelope(c, http.StatusBadGateway, "pipeline_error", serr.Error())
			return
		}
		s.StreamChatCompletions(c, upstream)
		return
	}

	resp, err := s.Manager.ProcessRequest(c.Request.Context(), req)
	if err != nil {
		writeErrorEnvelope(c, http.StatusBadGateway, "pipeline_error", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Body)
}

// StreamChatCompletions relays a streaming provider call through C12,
// grounded on the teacher's BaseAPIHandler.ForwardStream usage (spec §4.12).
// dispatch calls this for requests whose body sets stream:true.
func (s *Server) StreamChatCompletions(c *gin.Context, upstream *http.Response) {
	sse.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeErrorEnvelope(c, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}
	flusher.Flush()

	data := make(chan []byte, 16)
	errs := make(chan *sse.ErrorMessage, 1)
	done := make(chan struct{})

	go func() {
		defer close(data)
		defer upstream.Body.Close()
		buf := make([]byte, 4096)
		for {
			n, rerr := upstream.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case data <- chunk:
				case <-done:
					return
				}
			}
			if rerr != nil {
				if rerr.Error() != "EOF" {
					errs <- &sse.ErrorMessage{Type: "upstream_error", Error: rerr}
				}
				return
			}
		}
	}()

	go func() {
		<-c.Request.Context().Done()
		close(done)
	}()

	heartbeat := time.Duration(s.Streaming.HeartbeatMs) * time.Millisecond
	sse.ForwardStream(c.Writer, flusher, done, func(error) {}, data, errs, sse.Options{HeartbeatInterval: heartbeat})
}
