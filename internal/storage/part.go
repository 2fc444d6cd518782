package storage

import (
	"regexp"
	"strings"
)

// PartSuffix ends the name of a file that is still being uploaded.
const PartSuffix = ".part"

// partTransferID is the transfer id of part files written by this service.
// Writers of a path are serialized, so one fixed id suffices.
const partTransferID = ".ocTransferId0"

// transferPart matches upload part names like "a.txt.ocTransferId123.part".
// A name merely ending in ".part" is an ordinary file.
var transferPart = regexp.MustCompile(`\.ocTransferId\d+\.part$`)

// IsPartFile reports whether path names an in-progress upload.
func IsPartFile(path string) bool {
	return transferPart.MatchString(path)
}

// StripPartSuffix returns the final path of an in-progress upload. Other
// paths are returned unchanged.
func StripPartSuffix(path string) string {
	if loc := transferPart.FindStringIndex(path); loc != nil {
		return path[:loc[0]]
	}
	return path
}

// PartPath returns the in-progress upload name of path.
func PartPath(path string) string {
	return path + partTransferID + PartSuffix
}

// ReadVersion returns the signature version to verify path with, given the
// version stored for its final name. Blocks of a part file were signed with
// the next version, which is only persisted once the upload completes.
func ReadVersion(path string, stored int) int {
	if IsPartFile(path) {
		return stored + 1
	}
	return stored
}

// OwnerOf returns the user owning path, its first segment.
func OwnerOf(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}
