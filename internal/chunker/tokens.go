package chunker

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// TokenCounter counts model tokens in a text.
type TokenCounter interface {
	Count(text string) int
	Method() string
}

// TiktokenCounter counts tokens with the cl100k_base encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	tiktokenInstance *TiktokenCounter
	tiktokenOnce     sync.Once
	tiktokenErr      error
)

// GetTiktokenCounter returns the shared counter, loading the encoding once.
func GetTiktokenCounter() (*TiktokenCounter, error) {
	tiktokenOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			tiktokenErr = err
			return
		}
		tiktokenInstance = &TiktokenCounter{encoding: enc}
	})
	if tiktokenErr != nil {
		return nil, tiktokenErr
	}
	return tiktokenInstance, nil
}

// Count returns the number of tokens in text.
func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoding.Encode(text, nil, nil))
}

func (t *TiktokenCounter) Method() string { return "tiktoken" }

// EstimateCounter approximates tokens as characters / 4.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return types.EstimateTokens(text) }

func (EstimateCounter) Method() string { return "estimate" }

// DefaultTokenCounter returns the tiktoken counter, or the estimate when the
// encoding cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	if tc, err := GetTiktokenCounter(); err == nil {
		return tc
	}
	return EstimateCounter{}
}
