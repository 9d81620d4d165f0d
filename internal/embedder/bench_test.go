package embedder

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkKeyFor(b *testing.B) {
	texts := []string{
		"short",
		"medium length text for hashing",
		"this is a longer text that represents a typical code chunk that might be embedded for semantic search in a codebase",
	}

	for _, text := range texts {
		b.Run(fmt.Sprintf("len=%d", len(text)), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = keyFor("local-hash-v1", text)
			}
		})
	}
}

func BenchmarkLocalProvider(b *testing.B) {
	p, _ := NewLocalProvider(0, nil)
	ctx := context.Background()
	text := "func (s *Server) handleUpload(c *gin.Context) { file, err := c.FormFile(\"file\") }"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
	}
}

func BenchmarkBatchGenerator(b *testing.B) {
	p, _ := NewLocalProvider(0, nil)
	g := NewBatchGenerator(p, BatchConfig{BatchSize: 16, Workers: 4})
	texts := make([]string, 256)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d with some representative source text", i)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = g.Embed(ctx, texts)
	}
}
