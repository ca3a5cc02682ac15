// Package mock is a dependency-free generator.Generator for tests.
package mock

import (
	"context"
	"strings"

	"github.com/kernelmemory/km/generator"
)

// Generator echoes a deterministic summary of the last user message
// instead of calling a real model.
type Generator struct{}

func New() *Generator { return &Generator{} }

func (Generator) Complete(_ context.Context, messages []generator.Message) (string, error) {
	var last string
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	const maxLen = 200
	if len(last) > maxLen {
		last = last[:maxLen]
	}
	return "summary: " + strings.TrimSpace(last), nil
}

var _ generator.Generator = (*Generator)(nil)
