package fsops

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"

	. "github.com/onsi/gomega"
)

// Model-based check: a sequence of random writes and truncates against a
// dedup file must match the same sequence applied to a plain byte slice.
func TestRandomOpsMatchModel(t *testing.T) {
	g := NewWithT(t)
	fs, _, _ := newTestFS(t)

	rng := rand.New(rand.NewSource(42))
	const (
		rounds  = 200
		maxSize = 4096
	)

	f, err := fs.Create("model.bin")
	g.Expect(err).NotTo(HaveOccurred())

	model := []byte{}
	for i := 0; i < rounds; i++ {
		switch rng.Intn(4) {
		case 0, 1, 2: // write at random offset
			off := rng.Intn(maxSize / 2)
			data := make([]byte, 1+rng.Intn(256))
			rng.Read(data)

			_, err := f.Seek(int64(off), io.SeekStart)
			g.Expect(err).NotTo(HaveOccurred())
			n, err := f.Write(data)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(n).To(Equal(len(data)))

			if need := off + len(data); need > len(model) {
				model = append(model, make([]byte, need-len(model))...)
			}
			copy(model[off:], data)

		case 3: // truncate
			size := rng.Intn(maxSize)
			g.Expect(f.Truncate(int64(size))).To(Succeed())
			if size <= len(model) {
				model = model[:size]
			} else {
				model = append(model, make([]byte, size-len(model))...)
			}
		}

		if i%20 == 19 {
			g.Expect(readFile(t, fs, "model.bin")).To(Equal(model),
				fmt.Sprintf("divergence after round %d", i))
		}
	}
	g.Expect(f.Close()).To(Succeed())

	g.Expect(readFile(t, fs, "model.bin")).To(Equal(model))

	info, err := fs.Stat("model.bin")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Size()).To(Equal(int64(len(model))))
}

// Reopening files must observe committed state, not handle-local state.
func TestReopenSeesCommittedWrites(t *testing.T) {
	g := NewWithT(t)
	fs, _, _ := newTestFS(t)

	for i := 0; i < 10; i++ {
		f, err := fs.OpenFile("grow.bin", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		g.Expect(err).NotTo(HaveOccurred())
		_, err = f.Write([]byte{byte('a' + i)})
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(f.Close()).To(Succeed())
	}

	g.Expect(readFile(t, fs, "grow.bin")).To(Equal([]byte("abcdefghij")))
}
