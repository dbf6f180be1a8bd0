// Package coretest はコア層のテスト用フェイク実装を提供する
package coretest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// FakeEmbedder は決定的なベクトルを返す Embedder
type FakeEmbedder struct {
	mu sync.Mutex

	// Vectors はテキストごとの固定ベクトル。未登録のテキストはハッシュから生成する
	Vectors map[string][]float32
	// Fail はテキストごとに返すエラー
	Fail map[string]error
	// Transient はテキストごとに一時的に失敗させる回数
	Transient map[string]int
	// Err が設定されていれば全呼び出しで返す
	Err error

	Dim       int
	Model     string
	BatchSize int

	EmbedCalls int
	BatchCalls int
	Embedded   []string
}

// NewFakeEmbedder は次元 dim の FakeEmbedder を作成する
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{
		Vectors:   map[string][]float32{},
		Fail:      map[string]error{},
		Transient: map[string]int{},
		Dim:       dim,
		Model:     "fake-embedding",
		BatchSize: 2,
	}
}

func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EmbedCalls++
	if err := f.check(text); err != nil {
		return nil, err
	}
	f.Embedded = append(f.Embedded, text)
	return f.vector(text), nil
}

func (f *FakeEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BatchCalls++
	if len(texts) > f.MaxBatchSize() {
		return nil, fmt.Errorf("batch size exceeds maximum of %d", f.MaxBatchSize())
	}
	for _, text := range texts {
		if err := f.check(text); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		f.Embedded = append(f.Embedded, text)
		out[i] = f.vector(text)
	}
	return out, nil
}

func (f *FakeEmbedder) ModelName() string { return f.Model }

func (f *FakeEmbedder) MaxBatchSize() int {
	if f.BatchSize <= 0 {
		return 1
	}
	return f.BatchSize
}

func (f *FakeEmbedder) check(text string) error {
	if f.Err != nil {
		return f.Err
	}
	if err, ok := f.Fail[text]; ok {
		return err
	}
	if n := f.Transient[text]; n > 0 {
		f.Transient[text] = n - 1
		return fmt.Errorf("transient failure for %q", text)
	}
	return nil
}

func (f *FakeEmbedder) vector(text string) []float32 {
	if v, ok := f.Vectors[text]; ok {
		return v
	}
	v := make([]float32, f.Dim)
	for i := range v {
		h := fnv.New32a()
		_, _ = fmt.Fprintf(h, "%s#%d", text, i)
		v[i] = float32(h.Sum32()%1000)/1000 + 0.001
	}
	return v
}
