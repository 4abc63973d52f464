package service

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
)

// Base62 character set for short code generation
const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var alphabetSize = big.NewInt(int64(len(base62Chars)))

// CodeGenerator produces candidate short codes. Implementations do not
// guarantee uniqueness; the store rejects codes that are already bound.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodeGenerator draws fixed-length codes uniformly over base62
type RandomCodeGenerator struct {
	codeLength int
	source     io.Reader
}

// NewRandomCodeGenerator creates a generator backed by crypto/rand
func NewRandomCodeGenerator(codeLength int) *RandomCodeGenerator {
	return NewRandomCodeGeneratorFrom(codeLength, rand.Reader)
}

// NewRandomCodeGeneratorFrom creates a generator reading randomness from source
func NewRandomCodeGeneratorFrom(codeLength int, source io.Reader) *RandomCodeGenerator {
	return &RandomCodeGenerator{codeLength: codeLength, source: source}
}

// Generate returns a new candidate code.
// rand.Int rejects out-of-range samples, so each character is unbiased.
func (g *RandomCodeGenerator) Generate() (string, error) {
	if g.codeLength <= 0 {
		return "", errors.New("short code length must be positive")
	}

	code := make([]byte, g.codeLength)
	for i := range code {
		n, err := rand.Int(g.source, alphabetSize)
		if err != nil {
			return "", err
		}
		code[i] = base62Chars[n.Int64()]
	}
	return string(code), nil
}

// Ensure RandomCodeGenerator implements CodeGenerator at compile time
var _ CodeGenerator = (*RandomCodeGenerator)(nil)
