package storage

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Content types for derived artifacts.
const (
	ContentTypeMP4 = "video/mp4"
	ContentTypeMP3 = "audio/mpeg"
)

// StoredKey derives the blob key for a fresh upload: {id}-{unixmilli}{ext}.
// The timestamp component keeps keys collision-free even if a record id were
// ever reused by a misbehaving client.
func StoredKey(id uuid.UUID, now time.Time, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	return fmt.Sprintf("%s-%d%s", id, now.UnixMilli(), ext)
}

// TranscodedKey derives the transcoded artifact key from the stored key:
// a "transcoded-" prefix with the extension rewritten to .mp4.
func TranscodedKey(storedKey string) string {
	return "transcoded-" + replaceExt(storedKey, ".mp4")
}

// AudioKey derives the extracted-audio artifact key from the stored key by
// extension substitution.
func AudioKey(storedKey string) string {
	return replaceExt(storedKey, ".mp3")
}

func replaceExt(key, ext string) string {
	if old := path.Ext(key); old != "" {
		return strings.TrimSuffix(key, old) + ext
	}
	return key + ext
}
