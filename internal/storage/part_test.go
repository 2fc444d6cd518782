package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartFiles(t *testing.T) {
	tests := []struct {
		path  string
		part  bool
		final string
	}{
		{"/alice/files/a.txt", false, "/alice/files/a.txt"},
		{"/alice/files/a.txt.part", false, "/alice/files/a.txt.part"},
		{"/alice/files/a.txt.ocTransferId1234.part", true, "/alice/files/a.txt"},
		{"/alice/files/report.partial", false, "/alice/files/report.partial"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.part, IsPartFile(tt.path), tt.path)
		assert.Equal(t, tt.final, StripPartSuffix(tt.path), tt.path)
	}

	assert.Equal(t, "/alice/files/a.txt.ocTransferId0.part", PartPath("/alice/files/a.txt"))
	assert.True(t, IsPartFile(PartPath("/alice/files/notes.part")))
	assert.Equal(t, "/alice/files/a.txt", StripPartSuffix(PartPath("/alice/files/a.txt")))
}

func TestReadVersion(t *testing.T) {
	assert.Equal(t, 3, ReadVersion("/alice/files/a.txt", 3))
	assert.Equal(t, 3, ReadVersion("/alice/files/a.txt.part", 3))
	assert.Equal(t, 4, ReadVersion(PartPath("/alice/files/a.txt"), 3))
	assert.Equal(t, 1, ReadVersion("/alice/files/a.txt.ocTransferId9.part", 0))
}

func TestOwnerOf(t *testing.T) {
	assert.Equal(t, "alice", OwnerOf("/alice/files/a.txt"))
	assert.Equal(t, "bob", OwnerOf("bob/files_versions/x"))
	assert.Equal(t, "carol", OwnerOf("/carol"))
	assert.Equal(t, "", OwnerOf("/"))
}
