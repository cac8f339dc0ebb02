// Package translate maps the external chat envelope onto the internal
// prompt representation. Translation is pure: no I/O, no blocking.
package translate

import (
	"fmt"

	"modelgate/internal/core"
)

// Bounds carries provider-declared parameter limits. Zero-value fields mean
// "no declared bound": the value passes through unchecked.
type Bounds struct {
	MaxTemperature float64
	MaxTokens      int
}

// Defaults supplies translation fallbacks and limits.
type Defaults struct {
	// Model fills in when the request omits one.
	Model string
	// Bounds range-checks temperature and max_tokens when declared.
	Bounds Bounds
}

// Translate converts a ChatRequest into a Prompt.
//
// Unsupported or unknown request parameters are silently dropped rather than
// forwarded or rejected; this is a deliberate compatibility policy. An empty
// message sequence is a validation error, never an empty prompt.
func Translate(req *core.ChatRequest, def Defaults) (*core.Prompt, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, core.NewValidationError("empty-messages", nil)
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return nil, core.NewValidationError(fmt.Sprintf("messages[%d]: role is required", i), nil)
		}
	}

	model := req.Model
	if model == "" {
		model = def.Model
	}
	if model == "" {
		return nil, core.NewValidationError("model is required and no default is configured", nil)
	}

	if req.Temperature != nil {
		t := *req.Temperature
		if t < 0 {
			return nil, core.NewValidationError("temperature must be non-negative", nil)
		}
		if def.Bounds.MaxTemperature > 0 && t > def.Bounds.MaxTemperature {
			return nil, core.NewValidationError(
				fmt.Sprintf("temperature %.2f exceeds provider maximum %.2f", t, def.Bounds.MaxTemperature), nil)
		}
	}
	if req.MaxTokens != nil {
		n := *req.MaxTokens
		if n <= 0 {
			return nil, core.NewValidationError("max_tokens must be positive", nil)
		}
		if def.Bounds.MaxTokens > 0 && n > def.Bounds.MaxTokens {
			return nil, core.NewValidationError(
				fmt.Sprintf("max_tokens %d exceeds provider maximum %d", n, def.Bounds.MaxTokens), nil)
		}
	}

	msgs := make([]core.Message, len(req.Messages))
	copy(msgs, req.Messages)

	return &core.Prompt{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, nil
}
