package assembler

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"scribe/internal/models"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the token count of text with the cl100k_base
// encoding. It returns 0 if the codec is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// EstimatePayload sums the estimate over message contents and file texts.
func EstimatePayload(msgs []models.ChatMessage, files []models.FileContent) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m.Content)
	}
	for _, f := range files {
		n += EstimateTokens(f.Content)
	}
	return n
}
