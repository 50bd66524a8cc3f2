package service

import (
	"github.com/tidwall/gjson"

	"github.com/user/llm-gateway-go/internal/models"
)

// ExtractUsage pulls normalized token usage out of a provider response
// body. It understands the OpenAI chat completion, OpenAI responses and
// Anthropic messages shapes; anything else yields zero usage. Extraction
// is a pure function of the body, so re-running it is harmless.
func ExtractUsage(body []byte) models.Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		// OpenAI responses API streams nest usage under the event payload.
		u = gjson.GetBytes(body, "response.usage")
	}
	if !u.Exists() || !u.IsObject() {
		return models.Usage{}
	}
	return normalizeUsage(u)
}

func normalizeUsage(u gjson.Result) models.Usage {
	var usage models.Usage

	if pt := u.Get("prompt_tokens"); pt.Exists() {
		// OpenAI chat completion shape.
		usage.PromptTokens = int(pt.Int())
		usage.CompletionTokens = int(u.Get("completion_tokens").Int())
		usage.TotalTokens = int(u.Get("total_tokens").Int())
		usage.CachedTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
		usage.ReasoningTokens = int(u.Get("completion_tokens_details.reasoning_tokens").Int())
	} else if it := u.Get("input_tokens"); it.Exists() {
		// Anthropic messages and OpenAI responses shapes both use
		// input_tokens/output_tokens; cache fields tell them apart but
		// map onto the same normalized counters either way.
		usage.PromptTokens = int(it.Int())
		usage.CompletionTokens = int(u.Get("output_tokens").Int())
		usage.TotalTokens = int(u.Get("total_tokens").Int())
		usage.CacheCreationTokens = int(u.Get("cache_creation_input_tokens").Int())
		usage.CacheReadTokens = int(u.Get("cache_read_input_tokens").Int())
		usage.CachedTokens = usage.CacheReadTokens
		if usage.CachedTokens == 0 {
			usage.CachedTokens = int(u.Get("input_tokens_details.cached_tokens").Int())
		}
		usage.ReasoningTokens = int(u.Get("output_tokens_details.reasoning_tokens").Int())
	}

	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// ExtractModel returns the top-level model field of a JSON request body,
// or empty when the body is not JSON or carries no model.
func ExtractModel(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

// ExtractStreamFlag reports whether the request asks for a streaming
// response via the top-level stream field.
func ExtractStreamFlag(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}
