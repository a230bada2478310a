package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Key builds the cache key for an item: "container:item:content_id".
func Key(container string, item int64, contentID string) string {
	return fmt.Sprintf("%s:%d:%s", container, item, contentID)
}

// FileName returns the on-disk name for a cache key: the hex md5 of the
// key plus the media extension. Hashing keeps container ids and filenames
// out of the directory listing and sidesteps filesystem-hostile characters.
func FileName(key, ext string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:]) + ext
}

// mimeExtensions maps media types to a canonical extension for cache file
// naming.
var mimeExtensions = map[string]string{
	"video/mp4":        ".mp4",
	"video/x-matroska": ".mkv",
	"video/webm":       ".webm",
	"audio/mpeg":       ".mp3",
	"audio/mp4":        ".m4a",
	"audio/flac":       ".flac",
}

// Extension derives the cache file extension, preferring the original
// filename over the mime type. Falls back to ".bin" when neither helps.
func Extension(name, mime string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	if ext, ok := mimeExtensions[strings.ToLower(mime)]; ok {
		return ext
	}
	return ".bin"
}

// cacheableMIME and cacheableExt define what media is worth keeping on
// disk. Everything else streams straight through.
var cacheableMIME = map[string]struct{}{
	"video/mp4":        {},
	"video/x-matroska": {},
	"video/webm":       {},
	"video/avi":        {},
	"video/quicktime":  {},
	"video/x-flv":      {},
	"video/x-ms-wmv":   {},
	"audio/mpeg":       {},
	"audio/mp4":        {},
	"audio/flac":       {},
	"audio/wav":        {},
	"audio/ogg":        {},
	"audio/aac":        {},
}

var cacheableExt = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".webm": {}, ".avi": {}, ".mov": {},
	".flv": {}, ".wmv": {}, ".mp3": {}, ".m4a": {}, ".flac": {},
	".wav": {}, ".ogg": {}, ".aac": {},
}

// Cacheable reports whether media with the given mime type and filename
// belongs in the cache. Both arguments may be empty; an item qualifies on
// either signal.
func Cacheable(mime, name string) bool {
	if _, ok := cacheableMIME[strings.ToLower(mime)]; ok {
		return true
	}
	if _, ok := cacheableExt[strings.ToLower(filepath.Ext(name))]; ok {
		return true
	}
	return false
}
