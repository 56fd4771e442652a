// Package vocab maps the distinct tokens of a corpus to the dense integer range [0, V).
//
// Codes are assigned in sorted token order, so the same set of tokens always produces the same mapping,
// whatever order the tokens were seen in. A Vocabulary is immutable once built: growing the corpus means
// building a new one.
package vocab

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"github.com/xtgo/set"
)

var (
	// ErrEmptyCorpus is returned when there are no tokens to build a vocabulary from.
	ErrEmptyCorpus = errors.New("empty corpus: no events were extracted from any file")

	// ErrUnknownToken is returned when encoding a token that is not part of the vocabulary.
	ErrUnknownToken = errors.New("unknown token")
)

// Vocabulary is a bijection between tokens and codes.
type Vocabulary struct {
	tokens []string
	codes  map[string]int
}

// Build creates the vocabulary of the distinct tokens in stream.
func Build(stream []string) (*Vocabulary, error) {
	if len(stream) == 0 {
		return nil, ErrEmptyCorpus
	}
	tokens := make([]string, len(stream))
	copy(tokens, stream)
	sort.Strings(tokens)
	n := set.Uniq(sort.StringSlice(tokens))
	return newVocabulary(tokens[:n:n]), nil
}

// FromTokens recreates a vocabulary from its list of tokens, as returned by Tokens.
//
// The tokens must be unique and sorted.
func FromTokens(tokens []string) (*Vocabulary, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyCorpus
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i-1] >= tokens[i] {
			return nil, errors.Errorf("vocabulary tokens must be sorted and unique, got %q before %q",
				tokens[i-1], tokens[i])
		}
	}
	owned := make([]string, len(tokens))
	copy(owned, tokens)
	return newVocabulary(owned), nil
}

func newVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{
		tokens: tokens,
		codes:  make(map[string]int, len(tokens)),
	}
	for code, token := range tokens {
		v.codes[token] = code
	}
	return v
}

// Size returns V, the number of distinct tokens.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}

// Tokens returns a copy of the tokens, indexed by code.
func (v *Vocabulary) Tokens() []string {
	tokens := make([]string, len(v.tokens))
	copy(tokens, v.tokens)
	return tokens
}

// Code returns the code of token.
func (v *Vocabulary) Code(token string) (int, bool) {
	code, found := v.codes[token]
	return code, found
}

// Token returns the token of code.
func (v *Vocabulary) Token(code int) (string, bool) {
	if code < 0 || code >= len(v.tokens) {
		return "", false
	}
	return v.tokens[code], true
}

// Encode converts tokens to codes. It fails with ErrUnknownToken on the first token not in the vocabulary.
func (v *Vocabulary) Encode(tokens []string) ([]int, error) {
	codes := make([]int, len(tokens))
	for i, token := range tokens {
		code, found := v.codes[token]
		if !found {
			return nil, errors.Wrapf(ErrUnknownToken, "token #%d %q", i, token)
		}
		codes[i] = code
	}
	return codes, nil
}

// Decode converts codes back to tokens.
func (v *Vocabulary) Decode(codes []int) ([]string, error) {
	tokens := make([]string, len(codes))
	for i, code := range codes {
		token, found := v.Token(code)
		if !found {
			return nil, errors.Errorf("code #%d (%d) is out of range [0, %d)", i, code, len(v.tokens))
		}
		tokens[i] = token
	}
	return tokens, nil
}

// MarshalJSON encodes the vocabulary as the JSON list of its tokens, in code order.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.tokens)
}

// UnmarshalJSON implements json.Unmarshaler. The decoded tokens are validated as in FromTokens.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return errors.Wrap(err, "failed to decode vocabulary")
	}
	decoded, err := FromTokens(tokens)
	if err != nil {
		return err
	}
	*v = *decoded
	return nil
}
