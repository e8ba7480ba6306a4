package cache

import "fmt"

// RecordKind identifies what a cache record holds.
type RecordKind uint8

const (
	KindFormula RecordKind = iota
	KindExtraResult
	KindSortedResult
	KindEntity
)

// RecordKinds lists every kind in ordinal order.
var RecordKinds = [...]RecordKind{KindFormula, KindExtraResult, KindSortedResult, KindEntity}

func (k RecordKind) valid() bool {
	return k <= KindEntity
}

func (k RecordKind) String() string {
	switch k {
	case KindFormula:
		return "formula"
	case KindExtraResult:
		return "extra_result"
	case KindSortedResult:
		return "sorted_result"
	case KindEntity:
		return "entity"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
