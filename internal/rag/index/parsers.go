package index

import (
	"sync"

	"github.com/alextra-lab/personal-agent/internal/rag/parser/markdown"
	"github.com/alextra-lab/personal-agent/internal/rag/parser/text"
)

var registerParsersOnce sync.Once

func ensureDefaultParsers() {
	registerParsersOnce.Do(func() {
		markdown.Register()
		text.Register()
	})
}
