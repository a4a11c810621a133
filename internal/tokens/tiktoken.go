package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	matcher     *ModelMatcher
	encoding    tokenizer.Encoding
	approximate bool

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewTiktokenCounter creates a counter for models matching prefixes using the
// o200k_base encoding. approximate marks counts for models whose native
// tokenizer differs.
func NewTiktokenCounter(prefixes []string, approximate bool) *TiktokenCounter {
	return &TiktokenCounter{
		matcher:     NewModelMatcher(prefixes, nil),
		encoding:    tokenizer.O200kBase,
		approximate: approximate,
	}
}

func (c *TiktokenCounter) getCodec() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(c.encoding)
		if c.err != nil {
			c.err = fmt.Errorf("failed to get tokenizer encoding: %w", c.err)
		}
	})
	return c.codec, c.err
}

// Count encodes text and returns the number of tokens.
func (c *TiktokenCounter) Count(_ string, text string) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// SupportsModel reports whether the model matches the counter's prefixes.
func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}
