package blobstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2024, 3, 4, 23, 0, 0, 0, time.FixedZone("WIB", 7*3600))

	tests := []struct {
		name     string
		drawing  string
		file     string
		expected string
	}{
		{"plain", "A-100", "Ground Floor Plan.PDF", "projects/7/drawings/a-100/2024/03/04/abcd1234-ground-floor-plan.pdf"},
		{"windows path", "S 201/B", `C:\exports\S-201 rev B.dwg`, "projects/7/drawings/s-201-b/2024/03/04/abcd1234-s-201-rev-b.dwg"},
		{"odd extension", "A-1", "sheet.p d f", "projects/7/drawings/a-1/2024/03/04/abcd1234-sheet"},
		{"no name", "", ".pdf", "projects/7/drawings/unnumbered/2024/03/04/abcd1234-file.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ObjectKey(7, tt.drawing, tt.file, at, "abcd1234"))
		})
	}
}

func TestNewObjectKeyIsUnique(t *testing.T) {
	at := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	a := NewObjectKey(1, "A-100", "plan.pdf", at)
	b := NewObjectKey(1, "A-100", "plan.pdf", at)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, "-plan.pdf"))
	assert.Len(t, strings.TrimPrefix(a, "projects/1/drawings/a-100/2024/03/04/"), len("12345678-plan.pdf"))
}

func TestNewMinIOUnconfigured(t *testing.T) {
	store, err := NewMinIO(config.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put(context.Background(), "k", strings.NewReader("body"), 4, "application/pdf"))

	data, ct, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "body", string(data))
	assert.Equal(t, "application/pdf", ct)
	assert.Equal(t, []string{"k"}, m.Keys())
}
