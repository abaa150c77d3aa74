package storageengine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func TestCheckIntegrity(t *testing.T) {
	ctx := context.Background()
	s := openStorage(t, testConfig(t.TempDir()))
	fileID := createFile(t, s, "f", 1, 2, 3, 4)
	createFile(t, s, "g", 5)

	report, err := s.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, 2, report.Files)
	require.Equal(t, int64(5), report.Pages)

	path, err := s.WriteCache().FilePath(fileID)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	frameSize := len(raw) / 4
	raw[3*frameSize-1] ^= 0xFF // last data byte of page 2
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	report, err = s.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, []pagemanager.PageKey{{FileID: fileID, PageIndex: 2}}, report.Broken)
}
