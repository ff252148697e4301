package types

type Token uint32
type Tokens []Token

// DType is the element code stored in an indexed corpus header. The codes
// match the ones written by the Megatron/fairseq `MMIDIDX` index format.
type DType uint8

const (
	DTypeUint8  DType = 1
	DTypeInt8   DType = 2
	DTypeInt16  DType = 3
	DTypeInt32  DType = 4
	DTypeInt64  DType = 5
	DTypeUint16 DType = 8
)

// Size returns the number of bytes used by one element of the dtype, or 0
// for unknown codes.
func (d DType) Size() int {
	switch d {
	case DTypeUint8, DTypeInt8:
		return 1
	case DTypeInt16, DTypeUint16:
		return 2
	case DTypeInt32:
		return 4
	case DTypeInt64:
		return 8
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case DTypeUint8:
		return "uint8"
	case DTypeInt8:
		return "int8"
	case DTypeInt16:
		return "int16"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	case DTypeUint16:
		return "uint16"
	}
	return "unknown"
}

// BestDType picks the smallest unsigned dtype that can hold every id of a
// vocabulary of the given size.
func BestDType(vocabSize int) DType {
	if vocabSize <= 65535 {
		return DTypeUint16
	}
	return DTypeInt32
}
