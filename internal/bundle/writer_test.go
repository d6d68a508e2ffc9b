package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_CommitAndRead(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NotEmpty(t, w.BundleID())

	require.NoError(t, w.WriteSegment("seg-0", []byte("alpha")))
	require.NoError(t, w.WriteSegment("seg-1", []byte("beta")))

	content, err := w.ReadSegment("seg-0")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), content)
	assert.Equal(t, 2, w.CommittedCount())
	assert.True(t, w.IsCommitted("seg-1"))

	require.NoError(t, w.Finalize())

	// No stray temp files after commit.
	entries, err := os.ReadDir(filepath.Join(dir, "segments"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestWriter_ResumeAfterInterrupt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Commit segments 0 and 1 of a planned 5, then "crash" (close without
	// finalizing).
	w, err := Create(dir)
	require.NoError(t, err)
	bundleID := w.BundleID()
	require.NoError(t, w.WriteSegment("seg-0", []byte("zero")))
	require.NoError(t, w.WriteSegment("seg-1", []byte("one")))
	require.NoError(t, w.Close())

	// Resume: only 0 and 1 are committed; 2-4 must be recomputed.
	r, err := Resume(dir)
	require.NoError(t, err)
	assert.Equal(t, bundleID, r.BundleID())
	assert.Equal(t, 2, r.CommittedCount())
	assert.True(t, r.IsCommitted("seg-0"))
	assert.False(t, r.IsCommitted("seg-2"))

	for i := 2; i < 5; i++ {
		require.NoError(t, r.WriteSegment(fmt.Sprintf("seg-%d", i), []byte(fmt.Sprintf("part-%d", i))))
	}
	require.NoError(t, r.Finalize())

	recs := r.Records()
	require.Len(t, recs, 5)
	for i, rec := range recs {
		assert.Equal(t, fmt.Sprintf("seg-%d", i), rec.SegmentID)
		assert.Equal(t, StatusCommitted, rec.Status)
		if i > 0 {
			assert.False(t, rec.CommittedAt.Before(recs[i-1].CommittedAt),
				"committed_at must be monotonically non-decreasing")
		}
	}
}

func TestWriter_ResumeDiscardsCorruptSegment(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteSegment("seg-0", []byte("good")))
	require.NoError(t, w.WriteSegment("seg-1", []byte("will-be-corrupted")))
	require.NoError(t, w.WriteSegment("seg-2", []byte("after-corruption")))
	require.NoError(t, w.Close())

	// Flip bytes in seg-1 behind the checkpoint's back.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segments", "seg-1.seg"), []byte("tampered"), 0o644))

	r, err := Resume(dir)
	require.NoError(t, err)

	// Execution resumes at the first invalid index: seg-0 survives, seg-1
	// and everything after is discarded.
	assert.Equal(t, 1, r.CommittedCount())
	assert.True(t, r.IsCommitted("seg-0"))
	assert.False(t, r.IsCommitted("seg-1"))
	assert.False(t, r.IsCommitted("seg-2"))
}

func TestWriter_ResumeDiscardsMissingSegment(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteSegment("seg-0", []byte("kept")))
	require.NoError(t, w.WriteSegment("seg-1", []byte("vanishes")))
	require.NoError(t, w.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "segments", "seg-1.seg")))

	r, err := Resume(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CommittedCount())
}

func TestWriter_ResumeDiscardsTornLogTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteSegment("seg-0", []byte("good")))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: garbage half-record at the log tail.
	f, err := os.OpenFile(filepath.Join(dir, "checkpoint.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"segment_id":"seg-1","content_ha`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := Resume(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CommittedCount())

	// Appending after resume yields a clean log again.
	require.NoError(t, r.WriteSegment("seg-1", []byte("rewritten")))
	assert.Equal(t, 2, r.CommittedCount())
}

func TestWriter_PartialPreservedButNotCommitted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.WritePartial("seg-flaky", []byte("partial output before breaker tripped")))

	content, err := w.ReadSegment("seg-flaky")
	require.NoError(t, err)
	assert.Equal(t, []byte("partial output before breaker tripped"), content)
	assert.False(t, w.IsCommitted("seg-flaky"))
	assert.Equal(t, 0, w.CommittedCount())
	require.NoError(t, w.Close())

	// Partial records survive resume for auditability.
	r, err := Resume(dir)
	require.NoError(t, err)
	recs := r.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, StatusPartial, recs[0].Status)
}
