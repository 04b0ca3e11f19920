package hnsw

import (
	"fmt"

	"github.com/xDarkicex/proximum/internal/perrors"
)

func errDimensionMismatch(got, want int) error {
	return perrors.New(perrors.DimensionMismatch, "hnsw",
		fmt.Sprintf("vector has dimension %d, index expects %d", got, want))
}
