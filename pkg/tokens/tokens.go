package tokens

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used for models tiktoken doesn't know about, which covers
// every locally served model. Counts for those are an approximation.
const DefaultEncoding = tokenizer.Cl100kBase

var codecs sync.Map

func getCodec(key string, load func() (tokenizer.Codec, error)) (tokenizer.Codec, error) {
	if c, ok := codecs.Load(key); ok {
		return c.(tokenizer.Codec), nil
	}
	c, err := load()
	if err != nil {
		return nil, err
	}
	actual, _ := codecs.LoadOrStore(key, c)
	return actual.(tokenizer.Codec), nil
}

// Counter counts tokens for one model.
type Counter struct {
	model string
	codec tokenizer.Codec
}

// NewCounter returns a counter for model, falling back to DefaultEncoding.
func NewCounter(model string) (*Counter, error) {
	if model != "" {
		c, err := getCodec("model:"+model, func() (tokenizer.Codec, error) {
			return tokenizer.ForModel(tokenizer.Model(model))
		})
		if err == nil {
			return &Counter{model: model, codec: c}, nil
		}
		log.Debug().Str("model", model).Err(err).Msg("no tokenizer for model, using default encoding")
	}
	return NewCounterForEncoding(string(DefaultEncoding))
}

func NewCounterForEncoding(encoding string) (*Counter, error) {
	c, err := getCodec("encoding:"+encoding, func() (tokenizer.Codec, error) {
		return tokenizer.Get(tokenizer.Encoding(encoding))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not load encoding %s", encoding)
	}
	return &Counter{codec: c}, nil
}

func (c *Counter) Count(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "could not encode text")
	}
	return len(ids), nil
}

func (c *Counter) Encode(text string) ([]uint, []string, error) {
	return c.codec.Encode(text)
}

func (c *Counter) Decode(ids []uint) (string, error) {
	return c.codec.Decode(ids)
}

func (c *Counter) Encoding() string {
	return string(c.codec.GetName())
}
