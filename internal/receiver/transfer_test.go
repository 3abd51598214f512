package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"testing/quick"

	"github.com/pkgforge/master/internal/model"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestTransferFullLifecycleHappyPath(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, chunkSize*2+100)
	for i := range data {
		data[i] = byte(i)
	}
	artifact := model.Artifact{
		Filename: "foo-0.1-cp34-cp34m-linux_armv7l.whl",
		Size:     int64(len(data)),
		SHA256:   hashOf(data),
		Package:  "foo",
		Version:  "0.1",
	}
	xfer, err := NewTransfer(dir, artifact)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if xfer.Done() {
		t.Fatal("Done() = true before any bytes received")
	}

	for !xfer.Done() {
		r, ok := xfer.Fetch()
		if !ok {
			t.Fatal("Fetch: expected ok=true while transfer incomplete and credit available")
		}
		if err := xfer.Chunk(r.Start, data[r.Start:r.Stop]); err != nil {
			t.Fatalf("Chunk: %v", err)
		}
	}

	if err := xfer.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	outDir := t.TempDir()
	if err := xfer.Commit(outDir, "foo"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "simple", "foo", artifact.Filename))
	if err != nil {
		t.Fatalf("read committed artifact: %v", err)
	}
	if string(got) != string(data) {
		t.Error("committed artifact content mismatch")
	}

	// armv7l artifacts get a best-effort armv6 alias symlink at commit time.
	aliasPath := filepath.Join(outDir, "simple", "foo", "foo-0.1-cp34-cp34m-linux_armv6l.whl")
	target, err := os.Readlink(aliasPath)
	if err != nil {
		t.Fatalf("expected armv6 alias symlink: %v", err)
	}
	if target != artifact.Filename {
		t.Errorf("armv6 alias target = %q, want %q", target, artifact.Filename)
	}
}

func TestTransferHashMismatchRollsBack(t *testing.T) {
	dir := t.TempDir()
	data := []byte("the quick brown fox")
	artifact := model.Artifact{
		Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl",
		Size:     int64(len(data)),
		SHA256:   hashOf([]byte("something else entirely")),
	}
	xfer, err := NewTransfer(dir, artifact)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := xfer.Chunk(0, data); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if !xfer.Done() {
		t.Fatal("expected Done() once all bytes written")
	}
	if err := xfer.Verify(); err == nil {
		t.Fatal("Verify: expected a hash-mismatch error")
	}
	tmpPath := xfer.tmpPath
	if err := xfer.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("expected temp file removed after rollback, stat err = %v", err)
	}
}

func TestTransferOutOfOrderChunksAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, chunkSize+10)
	for i := range data {
		data[i] = byte(i % 251)
	}
	artifact := model.Artifact{
		Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl",
		Size:     int64(len(data)),
		SHA256:   hashOf(data),
	}
	xfer, err := NewTransfer(dir, artifact)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}

	// Write the second half first, then the first half, then re-send the
	// second half again (a duplicate/out-of-order CHUNK).
	if err := xfer.Chunk(chunkSize, data[chunkSize:]); err != nil {
		t.Fatalf("Chunk (second half): %v", err)
	}
	if xfer.Done() {
		t.Fatal("Done() = true with the first half still missing")
	}
	if err := xfer.Chunk(0, data[:chunkSize]); err != nil {
		t.Fatalf("Chunk (first half): %v", err)
	}
	if !xfer.Done() {
		t.Fatal("expected Done() once both halves are written")
	}
	if err := xfer.Chunk(chunkSize, data[chunkSize:]); err != nil {
		t.Fatalf("duplicate Chunk: %v", err)
	}
	if !xfer.Done() {
		t.Error("a duplicate CHUNK for an already-committed range must leave Done() true")
	}
	if err := xfer.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTransferResetCreditResumesWithoutRefetchingCommittedBytes(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, chunkSize*3)
	artifact := model.Artifact{
		Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl",
		Size:     int64(len(data)),
		SHA256:   hashOf(data),
	}
	xfer, err := NewTransfer(dir, artifact)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}

	r, ok := xfer.Fetch()
	if !ok {
		t.Fatal("Fetch: expected an initial range")
	}
	if err := xfer.Chunk(r.Start, data[r.Start:r.Stop]); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	// Simulate packet loss: drain remaining credit without the builder
	// ever replying, then recover via a re-sent HELLO.
	for {
		if _, ok := xfer.Fetch(); !ok {
			break
		}
	}
	if xfer.credit != 0 {
		t.Fatalf("expected credit to be exhausted before ResetCredit, got %d", xfer.credit)
	}
	offsetBefore := xfer.offset
	xfer.ResetCredit()
	if xfer.credit != pipelineSize {
		t.Errorf("ResetCredit: credit = %d, want %d", xfer.credit, pipelineSize)
	}
	if xfer.offset != offsetBefore {
		t.Error("ResetCredit must not rewind the next-fetch offset (already-committed bytes must not be re-requested)")
	}
}

// TestTransferCreditStaysWithinPipelineBounds drives a transfer through a
// randomized, possibly out-of-order sequence of Fetch/Chunk/ResetCredit calls
// and checks that credit never leaves [0, pipelineSize] and that the missing
// set shrinks monotonically to empty, regardless of delivery order.
func TestTransferCreditStaysWithinPipelineBounds(t *testing.T) {
	f := func(nChunks uint8, seed int64) bool {
		n := int(nChunks%20) + 1
		data := make([]byte, chunkSize*n)
		rand.New(rand.NewSource(seed)).Read(data)

		artifact := model.Artifact{
			Filename: "foo-0.1-cp34-cp34m-manylinux2014_x86_64.whl",
			Size:     int64(len(data)),
			SHA256:   hashOf(data),
		}
		xfer, err := NewTransfer(t.TempDir(), artifact)
		if err != nil {
			t.Fatalf("NewTransfer: %v", err)
		}
		defer xfer.Rollback()

		order := rand.New(rand.NewSource(seed)).Perm(n)
		prevMissing := missingBytes(xfer)
		for i, idx := range order {
			if xfer.credit < 0 || xfer.credit > pipelineSize {
				t.Errorf("credit = %d out of bounds [0, %d]", xfer.credit, pipelineSize)
				return false
			}
			start := int64(idx) * chunkSize
			if err := xfer.Chunk(start, data[start:start+chunkSize]); err != nil {
				t.Errorf("Chunk: %v", err)
				return false
			}
			if missingBytes(xfer) > prevMissing {
				t.Error("missing set grew after a Chunk write")
				return false
			}
			prevMissing = missingBytes(xfer)
			if i%3 == 0 {
				xfer.ResetCredit()
			}
		}
		if !xfer.Done() {
			t.Error("expected Done() once every chunk has been delivered")
			return false
		}
		if xfer.credit < 0 || xfer.credit > pipelineSize {
			t.Errorf("credit = %d out of bounds [0, %d] after completion", xfer.credit, pipelineSize)
			return false
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}

// missingBytes is the number of bytes still outstanding in x's missing set.
func missingBytes(x *Transfer) int64 {
	var n int64
	for _, r := range x.missing {
		n += r.Len()
	}
	return n
}
