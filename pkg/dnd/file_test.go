package dnd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeTable(t, `# campus directory table
1:Fred Flintstone:fred.flintstone@blitz.campus.edu:blitz:p0
2:Barney Rubble::granite

3:Wilma Flintstone::blitz:p1:privileged
`)
	d, err := LoadFile(path)
	require.NoError(t, err)

	fred, err := d.Lookup("fred flintstone", []string{FieldName, FieldUID})
	require.NoError(t, err)
	assert.Equal(t, 1, fred.UID)
	assert.Equal(t, "fred.flintstone@blitz.campus.edu", fred.MailAddr)
	assert.Equal(t, "blitz", fred.HomeServer)
	assert.Equal(t, "p0", fred.Partition)
	assert.False(t, fred.Privileged)

	barney, err := d.Lookup("#2", []string{FieldName})
	require.NoError(t, err)
	assert.Equal(t, "Barney Rubble", barney.Name)
	assert.Empty(t, barney.MailAddr)

	wilma, err := d.Lookup("Wilma Flintstone", []string{FieldName, FieldPrivs})
	require.NoError(t, err)
	assert.True(t, wilma.Privileged)
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"too few fields", "1:Fred Flintstone\n"},
		{"bad uid", "one:Fred Flintstone::blitz\n"},
		{"empty name", "1: ::blitz\n"},
		{"unknown flag", "1:Fred Flintstone::blitz:p0:wizard\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(writeTable(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
