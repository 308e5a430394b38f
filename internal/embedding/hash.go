package embedding

import (
	"context"
	"encoding/binary"

	"lukechampine.com/blake3"
)

// hashBackend produces a deterministic pseudo-embedding from the blake3
// hash of the input text, expanded to fill the configured dimension by
// re-hashing with an incrementing counter. It has no notion of semantic
// similarity; it exists so the rest of the engine (store, index,
// promotion, cache) can be exercised without a real model on disk, the
// mode the fallback is documented for.
type hashBackend struct {
	dim int
}

func newHashBackend(dim int) *hashBackend {
	if dim <= 0 {
		dim = 1024
	}
	return &hashBackend{dim: dim}
}

func (h *hashBackend) Dimension() int { return h.dim }

func (h *hashBackend) Close() error { return nil }

func (h *hashBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, h.dim)
	}
	return out, nil
}

// hashVector derives a float32 vector of length dim from text. Each group
// of 4 bytes of a counter-chained blake3 digest becomes one component,
// scaled into [-1, 1].
func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	block := make([]byte, 0, 32)
	counter := uint32(0)
	seed := []byte(text)

	for i := 0; i < dim; i++ {
		if i%8 == 0 {
			buf := make([]byte, len(seed)+4)
			copy(buf, seed)
			binary.LittleEndian.PutUint32(buf[len(seed):], counter)
			sum := blake3.Sum256(buf)
			block = sum[:]
			counter++
		}
		b := block[(i%8)*4 : (i%8)*4+4]
		u := binary.LittleEndian.Uint32(b)
		// Map uint32 onto [-1, 1].
		v[i] = float32(int32(u)) / float32(1<<31)
	}
	return v
}
