package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AILab-FOI/bytesophos/internal/embedder"
	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/internal/storage"
)

// writeBenchCorpus creates n Go files of a few kilobytes each.
func writeBenchCorpus(b *testing.B, n int) string {
	b.Helper()
	dir := b.TempDir()
	for i := 0; i < n; i++ {
		var sb strings.Builder
		fmt.Fprintf(&sb, "package bench\n\n")
		for j := 0; j < 20; j++ {
			fmt.Fprintf(&sb, "// F%d_%d returns its index.\nfunc F%d_%d() int {\n\treturn %d\n}\n\n", i, j, i, j, j)
		}
		path := filepath.Join(dir, fmt.Sprintf("file%03d.go", i))
		if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
			b.Fatal(err)
		}
	}
	return dir
}

func newBenchIndexer(b *testing.B) (*Indexer, *storage.SQLiteStorage, *progress.Publisher) {
	b.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		b.Fatal(err)
	}
	local, err := embedder.NewLocalProvider(128, nil)
	if err != nil {
		b.Fatal(err)
	}
	pub := progress.New()
	idx := New(Deps{
		Storage:  store,
		Embedder: embedder.NewBatchGenerator(local, embedder.BatchConfig{BatchSize: 32, Workers: 4}),
		Progress: pub,
	}, Config{Workers: 4, BatchSize: 20})
	return idx, store, pub
}

// BenchmarkIngest benchmarks a full ingestion of a fresh repository
func BenchmarkIngest(b *testing.B) {
	dir := writeBenchCorpus(b, 50)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		idx, store, pub := newBenchIndexer(b)
		b.StartTimer()

		_, err := idx.Ingest(context.Background(), Request{RepoID: "bench", Kind: storage.SourceLocal, URI: dir})
		if err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		pub.Close()
		_ = store.Close()
		b.StartTimer()
	}
}

// BenchmarkReingestUnchanged benchmarks re-ingestion where every document
// is carried over
func BenchmarkReingestUnchanged(b *testing.B) {
	dir := writeBenchCorpus(b, 50)
	idx, store, pub := newBenchIndexer(b)
	defer func() {
		pub.Close()
		_ = store.Close()
	}()

	req := Request{RepoID: "bench", Kind: storage.SourceLocal, URI: dir}
	if _, err := idx.Ingest(context.Background(), req); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := idx.Ingest(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}
