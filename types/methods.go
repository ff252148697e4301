package types

import (
	"encoding/binary"
	"fmt"
)

// ToBin serializes tokens as little-endian elements of the given dtype.
func (tokens *Tokens) ToBin(dtype DType) (*[]byte, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype code %d", dtype)
	}
	byt := make([]byte, len(*tokens)*size)
	for idx, tok := range *tokens {
		off := idx * size
		switch dtype {
		case DTypeUint8, DTypeInt8:
			if tok > 255 {
				return nil, fmt.Errorf("integer overflow: tried to write "+
					"token ID %d as 8-bit", tok)
			}
			byt[off] = byte(tok)
		case DTypeUint16, DTypeInt16:
			if tok > 65535 {
				return nil, fmt.Errorf("integer overflow: tried to write "+
					"token ID %d as 16-bit", tok)
			}
			binary.LittleEndian.PutUint16(byt[off:], uint16(tok))
		case DTypeInt32:
			binary.LittleEndian.PutUint32(byt[off:], uint32(tok))
		case DTypeInt64:
			binary.LittleEndian.PutUint64(byt[off:], uint64(tok))
		}
	}
	return &byt, nil
}

// TokensFromBin decodes little-endian elements of the given dtype. Trailing
// bytes that do not form a whole element are ignored.
func TokensFromBin(bin []byte, dtype DType) Tokens {
	size := dtype.Size()
	if size == 0 {
		return nil
	}
	n := len(bin) / size
	tokens := make(Tokens, n)
	for idx := 0; idx < n; idx++ {
		off := idx * size
		switch dtype {
		case DTypeUint8, DTypeInt8:
			tokens[idx] = Token(bin[off])
		case DTypeUint16, DTypeInt16:
			tokens[idx] = Token(binary.LittleEndian.Uint16(bin[off:]))
		case DTypeInt32:
			tokens[idx] = Token(binary.LittleEndian.Uint32(bin[off:]))
		case DTypeInt64:
			tokens[idx] = Token(binary.LittleEndian.Uint64(bin[off:]))
		}
	}
	return tokens
}

// Contains reports whether tok occurs in tokens.
func (tokens Tokens) Contains(tok Token) bool {
	for _, t := range tokens {
		if t == tok {
			return true
		}
	}
	return false
}

// Without returns a copy of tokens with every occurrence of tok removed.
func (tokens Tokens) Without(tok Token) Tokens {
	out := make(Tokens, 0, len(tokens))
	for _, t := range tokens {
		if t != tok {
			out = append(out, t)
		}
	}
	return out
}
