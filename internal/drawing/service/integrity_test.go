package service_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/drawing/drawingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyProjectFindsViolations(t *testing.T) {
	conn := drawingtest.OpenLedgerDB(t)
	ledger := drawingtest.NewLedger(t, conn)
	ctx := context.Background()

	_, err := ledger.Service.BatchUpsert(ctx, []domain.Entry{entry("A-1", "0"), entry("B-1", "0"), entry("C-1", "0")})
	require.NoError(t, err)
	all, err := ledger.Service.ListAll(ctx, domain.ListFilter{ProjectID: projectID})
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Corrupt the table behind the ledger's back.
	require.NoError(t, conn.Exec(`UPDATE drawing_revisions SET status = 'SUSPENDED' WHERE id = ?`, int64(all[0].ID)).Error)
	require.NoError(t, conn.Exec(`UPDATE drawing_revisions SET superseded_by = ?, status = 'SUPERSEDED' WHERE id = ?`, int64(all[1].ID), int64(all[2].ID)).Error)

	report, err := ledger.Service.VerifyProject(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.Equal(t, 3, report.Rows)
	assert.Equal(t, 1, report.Heads)
	assert.Equal(t, []snowflake.ID{all[0].ID}, report.Suspended)
	assert.Contains(t, report.BackwardPointers, all[2].ID)
}

func TestVerifyProjectHealthyLedger(t *testing.T) {
	ledger := drawingtest.NewLedger(t, drawingtest.OpenLedgerDB(t))
	ctx := context.Background()

	for _, rev := range []string{"0", "1", "2"} {
		_, err := ledger.Service.Attach(ctx, []domain.Entry{entry("A-1", rev), entry("B-1", rev)})
		require.NoError(t, err)
	}

	report, err := ledger.Service.VerifyProject(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, report.Healthy(), "%+v", report)
	assert.Equal(t, 6, report.Rows)
	assert.Equal(t, 2, report.Heads)
}
