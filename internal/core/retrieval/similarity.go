package retrieval

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrZeroNorm はノルムが0のベクトル。類似度は未定義でありデータ品質エラーとして扱う
	ErrZeroNorm = errors.New("zero-norm vector")
	// ErrDimensionMismatch は次元の異なるベクトル同士の比較
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// CosineSimilarity は dot / (‖a‖‖b‖) を float64 で計算する
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0, ErrZeroNorm
	}
	return dot(a, b) / (na * nb), nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		f := float64(x)
		sum += f * f
	}
	return math.Sqrt(sum)
}

// clamp は丸め誤差で [-1, 1] をはみ出した値を戻す
func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
