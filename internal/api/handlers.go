package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/pool"
	"github.com/kirogate/kirogate/internal/runtime/executor"
	kirotranslator "github.com/kirogate/kirogate/internal/translator/kiro"
)

const (
	maxBodyBytes = 10 << 20

	// fallbackAttempts bounds how many accounts one request may burn
	// through before reporting no healthy providers.
	fallbackAttempts = 3
)

// errClientGone marks a broken client write; it never charges the account.
var errClientGone = errors.New("client disconnected")

func (s *Server) handleMessages(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusRequestEntityTooLarge, executor.KindInvalidRequest, "request body too large")
		return
	}
	if msg := validateMessagesBody(body); msg != "" {
		writeError(c, http.StatusBadRequest, executor.KindInvalidRequest, msg)
		return
	}

	model := gjson.GetBytes(body, "model").String()
	streaming := gjson.GetBytes(body, "stream").Bool()
	body = s.sysPrompt.Apply(body)
	s.logPrompt(model, body)

	excluded := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < fallbackAttempts; attempt++ {
		account, err := s.pool.Select(model, attempt > 0, excluded)
		if err != nil {
			break
		}
		adapter := s.registry.For(account.CredentialsPath)

		if streaming {
			err = s.dispatchStream(c, adapter, account, model, body)
		} else {
			err = s.dispatchUnary(c, adapter, account, model, body)
		}
		if err == nil {
			s.pool.MarkHealthy(account.UUID, false, "")
			return
		}
		if errors.Is(err, errClientGone) {
			// Client-side abort is not a provider failure.
			return
		}
		lastErr = err
		if executor.MarksUnhealthy(err) {
			s.pool.MarkUnhealthy(account.UUID, err.Error())
		}
		// Once SSE frames are on the wire the stream cannot restart on a
		// different account.
		if !retryWithAnotherAccount(err) || c.Writer.Written() {
			surfaceError(c, streaming, err)
			return
		}
		excluded[account.UUID] = true
		log.Warnf("api: account %s failed, trying fallback: %v", account.UUID, err)
	}

	if lastErr != nil {
		surfaceError(c, streaming, lastErr)
		return
	}
	writeError(c, http.StatusServiceUnavailable, executor.KindOverloaded, "no healthy providers")
}

// dispatchStream runs the SSE path. Returning errClientGone means the
// client went away mid-stream.
func (s *Server) dispatchStream(c *gin.Context, adapter *executor.Adapter, account *pool.Account, model string, body []byte) error {
	stream := kirotranslator.NewClaudeStream(model)
	var collected []kirotranslator.Event
	headersSent := false

	emit := func(chunks []map[string]any) error {
		for _, chunk := range chunks {
			if !headersSent {
				c.Header("Content-Type", "text/event-stream")
				c.Header("Cache-Control", "no-cache")
				c.Header("Connection", "keep-alive")
				c.Writer.WriteHeader(http.StatusOK)
				headersSent = true
			}
			if err := writeSSE(c, chunk); err != nil {
				return errClientGone
			}
		}
		return nil
	}

	err := adapter.SendStream(c.Request.Context(), model, body, func(ev kirotranslator.Event) error {
		if !headersSent {
			inputUsage := kirotranslator.Usage{InputTokens: executor.EstimateInputTokens(body)}
			if err := emit(stream.Begin(inputUsage)); err != nil {
				return err
			}
		}
		collected = append(collected, ev)
		return emit(stream.OnEvent(ev))
	})
	if err != nil {
		if errors.Is(err, errClientGone) || c.Request.Context().Err() != nil {
			return errClientGone
		}
		return err
	}

	if !headersSent {
		// Upstream answered with no payloads at all; still open the stream.
		inputUsage := kirotranslator.Usage{InputTokens: executor.EstimateInputTokens(body)}
		if err := emit(stream.Begin(inputUsage)); err != nil {
			return err
		}
	}
	if err := emit(stream.End(executor.EstimateUsage(body, collected))); err != nil {
		return err
	}
	return nil
}

func (s *Server) dispatchUnary(c *gin.Context, adapter *executor.Adapter, account *pool.Account, model string, body []byte) error {
	resp, err := adapter.GenerateContent(c.Request.Context(), model, body)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, resp)
	return nil
}

func (s *Server) handleCountTokens(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, http.StatusRequestEntityTooLarge, executor.KindInvalidRequest, "request body too large")
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": executor.EstimateInputTokens(body)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"provider":  "kiro",
	})
}

func (s *Server) handleProviderHealth(c *gin.Context) {
	threshold := 0.5
	if raw := c.Query("unhealthRatioThreshold"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = f
		}
	}
	summary := s.pool.Health(threshold)

	accounts := make([]gin.H, 0, s.pool.Len())
	for _, acct := range s.pool.Snapshot() {
		accounts = append(accounts, gin.H{
			"uuid":             acct.UUID,
			"authMethod":       acct.AuthMethod,
			"isHealthy":        acct.IsHealthy,
			"isDisabled":       acct.IsDisabled,
			"usageCount":       acct.UsageCount,
			"errorCount":       acct.ErrorCount,
			"lastUsed":         acct.LastUsed,
			"lastErrorMessage": acct.LastErrorMessage,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":  summary,
		"accounts": accounts,
	})
}

func (s *Server) handleModels(c *gin.Context) {
	models := kirotranslator.KnownModels()
	data := make([]gin.H, 0, len(models))
	for _, id := range models {
		data = append(data, gin.H{
			"id":           id,
			"type":         "model",
			"display_name": id,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "has_more": false})
}

func (s *Server) logPrompt(model string, body []byte) {
	if s.prompts == nil {
		return
	}
	s.prompts.Log(model, "", string(body))
}

func validateMessagesBody(body []byte) string {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return "request body must be a JSON object"
	}
	if root.Get("model").String() == "" {
		return "model is required"
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return "messages must be a non-empty array"
	}
	bad := ""
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != "user" && role != "assistant" {
			bad = fmt.Sprintf("unsupported message role %q", role)
			return false
		}
		return true
	})
	return bad
}

// retryWithAnotherAccount gates the fallback chain: caller mistakes and
// client aborts never burn a second account.
func retryWithAnotherAccount(err error) bool {
	var se *executor.StatusError
	if errors.As(err, &se) {
		return se.Code != 400
	}
	return true
}

func writeSSE(c *gin.Context, chunk map[string]any) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	eventType, _ := chunk["type"].(string)
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func writeSSEError(c *gin.Context, kind, message string) error {
	return writeSSE(c, kirotranslator.ErrorChunk(kind, message))
}

func surfaceError(c *gin.Context, streaming bool, err error) {
	kind := executor.Classify(err)
	if streaming && c.Writer.Written() {
		_ = writeSSEError(c, kind, err.Error())
		return
	}
	writeError(c, statusForKind(kind), kind, err.Error())
}

func writeError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, kirotranslator.ErrorChunk(kind, message))
}

func statusForKind(kind string) int {
	switch kind {
	case executor.KindInvalidRequest:
		return http.StatusBadRequest
	case executor.KindAuthentication:
		return http.StatusUnauthorized
	case executor.KindPermission:
		return http.StatusForbidden
	case executor.KindRateLimit:
		return http.StatusTooManyRequests
	case executor.KindTimeout:
		return http.StatusGatewayTimeout
	case executor.KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
