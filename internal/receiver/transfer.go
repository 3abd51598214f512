// Package receiver implements the credit-based file transfer protocol,
// grounded on file_juggler.py: builders push CHUNK frames unsolicited up to
// a credit limit, the receiver tracks the still-missing byte ranges with the
// internal/ranges algebra, and issues FETCH instructions to refill credit
// and steer retransmission of dropped chunks.
package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/ranges"
)

const (
	chunkSize    = 64 * 1024
	pipelineSize = 10
)

// Transfer tracks one in-progress incoming file, mirroring TransferState.
type Transfer struct {
	artifact model.Artifact
	tmp      *os.File
	tmpPath  string
	credit   int64
	offset   int64
	missing  []ranges.Range
}

// NewTransfer opens a temporary file under dir (the repository's staging
// area) sized to the artifact and seeds the missing-range map to the whole
// file, per TransferState.__init__. The temp file is named with a uuid
// rather than left to os.CreateTemp's own counter so that two builders
// racing to push the same artifact never collide on a predictable name.
func NewTransfer(dir string, artifact model.Artifact) (*Transfer, error) {
	name := filepath.Join(dir, uuid.NewString()+".part")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("receiver: create temp file: %w", err)
	}
	if artifact.Size > 0 {
		if err := f.Truncate(artifact.Size); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("receiver: truncate: %w", err)
		}
	}
	credit := artifact.Size / chunkSize
	if credit > pipelineSize {
		credit = pipelineSize
	}
	if credit < 1 {
		credit = 1
	}
	return &Transfer{
		artifact: artifact,
		tmp:      f,
		tmpPath:  f.Name(),
		credit:   credit,
		missing:  []ranges.Range{{Start: 0, Stop: artifact.Size}},
	}, nil
}

// Done reports whether every byte of the file has been received.
func (t *Transfer) Done() bool { return len(t.missing) == 0 }

// Fetch returns the next range to request from the builder and consumes one
// unit of credit, or ok=false if no credit remains or the transfer is
// complete — the Go analogue of TransferState.fetch.
func (t *Transfer) Fetch() (r ranges.Range, ok bool) {
	if t.credit <= 0 || t.Done() {
		return ranges.Range{}, false
	}
	want := ranges.Range{Start: t.offset, Stop: t.offset + chunkSize}
	for {
		for _, m := range t.missing {
			if hit, overlaps := ranges.Intersect(m, want); overlaps {
				t.offset = hit.Stop
				t.credit--
				return hit, true
			}
			if m.Start > want.Start {
				want = ranges.Range{Start: m.Start, Stop: m.Start + chunkSize}
			}
		}
		if len(t.missing) == 0 {
			return ranges.Range{}, false
		}
		want = ranges.Range{Start: t.missing[0].Start, Stop: t.missing[0].Start + chunkSize}
	}
}

// Chunk writes data at offset and marks that range received, granting one
// unit of credit back, never above pipelineSize (or zeroing it once the
// file is complete).
func (t *Transfer) Chunk(offset int64, data []byte) error {
	if _, err := t.tmp.WriteAt(data, offset); err != nil {
		return fmt.Errorf("receiver: write chunk at %d: %w", offset, err)
	}
	t.missing = ranges.Exclude(t.missing, ranges.Range{Start: offset, Stop: offset + int64(len(data))})
	if t.Done() {
		t.credit = 0
	} else if t.credit < pipelineSize {
		t.credit++
	}
	return nil
}

// ResetCredit restores a full pipeline of credit after a prolonged silence
// from the builder, per reset_credit's "we dropped a lot of packets" case.
func (t *Transfer) ResetCredit() {
	if t.credit == 0 {
		t.credit = pipelineSize
	}
}

// Verify hashes the received file and compares it against the artifact's
// declared SHA256, closing the temp file either way.
func (t *Transfer) Verify() error {
	if _, err := t.tmp.Seek(0, 0); err != nil {
		return err
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := t.tmp.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	t.tmp.Close()
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != t.artifact.SHA256 {
		return fmt.Errorf("receiver: hash mismatch for %s: got %s want %s", t.artifact.Filename, sum, t.artifact.SHA256)
	}
	return nil
}

// Commit atomically moves the verified temp file into
// outputDir/simple/pkg/filename using renameio, matching TransferState.commit's
// os.replace into the final package directory (renameio additionally fsyncs
// before the rename). If repo/simple/{pkg} currently exists as a
// canonical-name symlink it is replaced with a real directory, and a
// linux_armv7l artifact additionally gets a best-effort linux_armv6l alias
// symlink alongside it, never overwriting a real file.
func (t *Transfer) Commit(outputDir, pkg string) error {
	pkgDir := filepath.Join(outputDir, "simple", pkg)
	if info, err := os.Lstat(pkgDir); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(pkgDir); err != nil {
			return fmt.Errorf("receiver: remove stale symlink %s: %w", pkgDir, err)
		}
	}
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return fmt.Errorf("receiver: mkdir %s: %w", pkgDir, err)
	}
	final := filepath.Join(pkgDir, t.artifact.Filename)
	src, err := os.Open(t.tmpPath)
	if err != nil {
		return fmt.Errorf("receiver: reopen verified temp file: %w", err)
	}
	defer src.Close()

	pending, err := renameio.TempFile("", final)
	if err != nil {
		return fmt.Errorf("receiver: stage %s: %w", final, err)
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, src); err != nil {
		return fmt.Errorf("receiver: stage %s: %w", final, err)
	}
	if err := os.Chmod(pending.Name(), 0o644); err != nil {
		return fmt.Errorf("receiver: chmod %s: %w", final, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("receiver: commit %s: %w", final, err)
	}
	if err := os.Remove(t.tmpPath); err != nil {
		return err
	}

	if alias, ok := t.artifact.ArmV6Alias(); ok {
		link := filepath.Join(pkgDir, alias.Filename)
		if err := os.Symlink(t.artifact.Filename, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("receiver: armv6 alias symlink: %w", err)
		}
	}
	return nil
}

// Rollback discards the temp file after a failed verification.
func (t *Transfer) Rollback() error {
	t.tmp.Close()
	return os.Remove(t.tmpPath)
}
