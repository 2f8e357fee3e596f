package ai

import "context"

// TextGenerator produces post text from a prompt. maxLength bounds the
// generated text in tokens; zero means the provider default.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, maxLength int) (string, error)
}
