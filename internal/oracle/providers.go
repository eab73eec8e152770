package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/blackstories-bot/internal/domain"
	"github.com/park285/blackstories-bot/internal/obslog"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
}

func (o *Oracle) openAI(ctx context.Context, cfg *domain.AIConfig, msgs []chatMessage) (string, error) {
	req := openAIRequest{
		Model:       modelOr(cfg.Model, defaultOpenAIModel),
		Messages:    msgs,
		Temperature: openAITemperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + cfg.APIKey}

	var resp openAIResponse
	status, err := o.postJSON(ctx, baseOr(cfg.BaseURL, o.openAIBase)+"/chat/completions", headers, req, &resp)
	if err != nil {
		return "", o.unavailable(cfg.Provider, err)
	}
	switch {
	case status == fasthttp.StatusBadRequest, status == fasthttp.StatusUnauthorized,
		status == fasthttp.StatusForbidden, status == fasthttp.StatusNotFound:
		return "", &RejectedError{Provider: cfg.Provider, Status: status}
	case status < 200 || status >= 300:
		return "", o.unavailable(cfg.Provider, fmt.Errorf("status=%d", status))
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return EmptyReply, nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *Oracle) ollama(ctx context.Context, cfg *domain.AIConfig, msgs []chatMessage) (string, error) {
	model := modelOr(cfg.Model, defaultOllamaModel)
	req := ollamaRequest{Model: model, Messages: msgs, Stream: false}

	var resp ollamaResponse
	status, err := o.postJSON(ctx, baseOr(cfg.BaseURL, defaultOllamaBase)+"/api/chat", nil, req, &resp)
	if err != nil {
		return "", o.unavailable(cfg.Provider, err)
	}
	switch {
	case status == fasthttp.StatusNotFound:
		return "", &RejectedError{Provider: cfg.Provider, Model: model, Status: status}
	case status >= 400 && status < 500:
		return "", &RejectedError{Provider: cfg.Provider, Status: status}
	case status < 200 || status >= 300:
		return "", o.unavailable(cfg.Provider, fmt.Errorf("status=%d", status))
	}
	return resp.Message.Content, nil
}

// unavailable logs the transport cause and returns the bare sentinel so no
// endpoint or socket detail reaches a chat.
func (o *Oracle) unavailable(provider domain.AIProvider, cause error) error {
	obslog.L().Warn("oracle_provider_unavailable",
		zap.String("provider", string(provider)),
		zap.Error(cause),
	)
	return ErrProviderUnavailable
}

// postJSON sends in and decodes a 2xx body into out. A non-2xx status is
// returned without error; the caller classifies it.
func (o *Oracle) postJSON(ctx context.Context, url string, headers map[string]string, in, out any) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req.SetBody(payload)

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		err = o.http.DoDeadline(req, resp, dl)
	} else {
		err = o.http.Do(req, resp)
	}
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return status, nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return status, fmt.Errorf("decode response: %w", err)
	}
	return status, nil
}
