package audit_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	var l audit.Log
	var wg sync.WaitGroup
	for _, id := range []string{"S3", "S1", "S2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			l.Add(audit.StageLOD, id, "no sample metadata", "summary.tsv")
		}(id)
	}
	wg.Wait()
	l.Add(audit.StageCalibration, "S9", "outlier", "|z|=8.1")

	rejs := l.Rejections()
	require.Len(t, rejs, 4)
	expect.EQ(t, rejs[0].Stage, audit.StageCalibration)
	expect.EQ(t, []string{rejs[1].SampleID, rejs[2].SampleID, rejs[3].SampleID}, []string{"S1", "S2", "S3"})
	expect.EQ(t, l.Count(audit.StageLOD, "no sample metadata"), 3)
	expect.EQ(t, l.Table().Len(), 4)
}

func TestTableName(t *testing.T) {
	expect.EQ(t, audit.TableName("LOD_table"), "lod_table")
	expect.EQ(t, audit.TableName("summary-fig1a.tsv"), "summary_fig1a_tsv")
	expect.EQ(t, audit.TableName("1x"), "t_1x")
}

func TestStore(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s, err := audit.OpenStore(ctx, filepath.Join(tempDir, "audit.db"))
	require.NoError(t, err)
	defer func() { assert.NoError(t, s.Close()) }()

	tbl := tabular.New("LOD_table", "sample_id", "passes")
	tbl.Append("S1", "True")
	tbl.Append("S2", "False")
	require.NoError(t, s.PutTable(ctx, "LOD_table", tbl))
	// Replacing a table drops the old rows.
	require.NoError(t, s.PutTable(ctx, "LOD_table", tbl))
	n, err := s.Count(ctx, "LOD_table")
	require.NoError(t, err)
	expect.EQ(t, n, 2)

	var l audit.Log
	l.Add(audit.StageRegistry, "S2", "missing depth", "HOT_samples.tsv")
	l.Add(audit.StageLOD, "S2", "failed", "")
	require.NoError(t, s.PutLog(ctx, &l))
	rejs, err := s.Rejected(ctx, "S2")
	require.NoError(t, err)
	require.Len(t, rejs, 2)
	expect.EQ(t, rejs[0].Stage, audit.StageLOD)
	expect.EQ(t, rejs[1].Reason, "missing depth")
}
