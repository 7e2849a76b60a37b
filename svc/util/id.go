package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

// Alphabet omits characters that are easy to misread: 0, O, 1, I, l.
const (
	IDAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	IDLength   = 10
)

type IDGen interface {
	NewID() (string, error)
}

type NanoID struct {
	alphabet string
	size     int
}

func NewNanoID() *NanoID {
	return &NanoID{alphabet: IDAlphabet, size: IDLength}
}
func (g *NanoID) NewID() (string, error) {
	id, err := gonanoid.Generate(g.alphabet, g.size)
	if err != nil {
		return "", errors.Wrap(err, "generate id")
	}
	return id, nil
}

func ValidID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
