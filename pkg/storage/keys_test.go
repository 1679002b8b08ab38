package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStoredKey(t *testing.T) {
	id := uuid.MustParse("a8098c1a-f86e-11da-bd1a-00112444be1e")
	now := time.UnixMilli(1700000000000)

	assert.Equal(t, fmt.Sprintf("%s-1700000000000.mov", id), StoredKey(id, now, "holiday.MOV"))
	assert.Equal(t, fmt.Sprintf("%s-1700000000000.mp4", id), StoredKey(id, now, "a.b.c.mp4"))
	// no extension on the original name
	assert.Equal(t, fmt.Sprintf("%s-1700000000000", id), StoredKey(id, now, "raw"))
}

func TestDerivedKeys(t *testing.T) {
	stored := "abc-1700000000000.mov"

	assert.Equal(t, "transcoded-abc-1700000000000.mp4", TranscodedKey(stored))
	assert.Equal(t, "abc-1700000000000.mp3", AudioKey(stored))

	// extensionless stored keys still get a usable derived key
	assert.Equal(t, "transcoded-abc.mp4", TranscodedKey("abc"))
	assert.Equal(t, "abc.mp3", AudioKey("abc"))
}
