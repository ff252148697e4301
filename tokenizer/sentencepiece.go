package tokenizer

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"
)

// LoadSentencePieceVocab reads a SentencePiece `.model` protobuf and returns
// its vocabulary. Byte pieces (`<0x41>`) map to their raw byte, the `▁`
// word marker maps to a space, and control/user-defined pieces are the
// candidates for special roles.
func LoadSentencePieceVocab(modelPath string) (*Vocab, error) {
	modelBytes, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", modelPath, err)
	}
	var model sentencepiece.ModelProto
	if err := proto.Unmarshal(modelBytes, &model); err != nil {
		return nil, fmt.Errorf("unable to unmarshal %s: %w", modelPath, err)
	}
	return vocabFromModel(&model), nil
}

func vocabFromModel(model *sentencepiece.ModelProto) *Vocab {
	spaceReplacer := strings.NewReplacer("▁", " ")
	pieces := model.GetPieces()
	tokens := make([]string, len(pieces))
	specialPieces := make(map[string]bool)
	for pieceIdx, piece := range pieces {
		repr := piece.GetPiece()
		switch piece.GetType() {
		case sentencepiece.ModelProto_SentencePiece_BYTE:
			if len(repr) == 6 {
				if decoded, err := hex.DecodeString(repr[3:5]); err == nil {
					repr = string(decoded)
				}
			}
		case sentencepiece.ModelProto_SentencePiece_CONTROL,
			sentencepiece.ModelProto_SentencePiece_USER_DEFINED:
			specialPieces[repr] = true
		default:
			repr = spaceReplacer.Replace(repr)
		}
		tokens[pieceIdx] = repr
	}
	vocab := NewVocab(tokens)
	candidates := make(map[SpecialID][]string)
	for id, names := range BertSpecialNames {
		for _, name := range names {
			if specialPieces[name] {
				candidates[id] = append(candidates[id], name)
			}
		}
	}
	vocab.ResolveSpecials(candidates)
	return vocab
}
