package cache

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "movies:17:ab12cd", Key("movies", 17, "ab12cd"))
}

func TestFileName(t *testing.T) {
	key := "movies:17:ab12cd"
	sum := md5.Sum([]byte(key))
	want := hex.EncodeToString(sum[:]) + ".mkv"
	assert.Equal(t, want, FileName(key, ".mkv"))
}

func TestExtension(t *testing.T) {
	tests := []struct {
		name, mime, want string
	}{
		{"episode.MKV", "video/mp4", ".mkv"}, // filename wins over mime
		{"episode.mp4", "", ".mp4"},
		{"", "video/mp4", ".mp4"},
		{"", "video/x-matroska", ".mkv"},
		{"", "video/webm", ".webm"},
		{"", "audio/mpeg", ".mp3"},
		{"", "audio/mp4", ".m4a"},
		{"", "audio/flac", ".flac"},
		{"", "application/octet-stream", ".bin"},
		{"", "", ".bin"},
		{"noextension", "", ".bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Extension(tt.name, tt.mime), "name=%q mime=%q", tt.name, tt.mime)
	}
}

func TestCacheable(t *testing.T) {
	// Either signal qualifies.
	assert.True(t, Cacheable("video/mp4", ""))
	assert.True(t, Cacheable("", "movie.mkv"))
	assert.True(t, Cacheable("VIDEO/MP4", "notes.txt"))
	assert.True(t, Cacheable("text/plain", "song.FLAC"))
	assert.True(t, Cacheable("audio/ogg", ""))

	// Both signals absent or non-media.
	assert.False(t, Cacheable("", ""))
	assert.False(t, Cacheable("text/plain", "readme.txt"))
	assert.False(t, Cacheable("application/zip", "archive.zip"))
}
