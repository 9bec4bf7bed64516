// Package catalog enumerates the video clips available in a content root.
package catalog

import (
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".ogg":  true,
	".mov":  true,
}

// List walks root recursively and returns the relative paths of every video
// file found, forward-slash separated regardless of host OS. A missing or
// unreadable root is not an error: the survey must keep running with whatever
// pools exist, so List logs and returns an empty slice. Order is whatever the
// filesystem yields; callers that care must shuffle or sort themselves.
func List(root string) []string {
	clips := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return err
			}
			slog.Warn("catalog: skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		clips = append(clips, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		slog.Warn("catalog: content root unavailable", "root", root, "error", err)
		return []string{}
	}
	return clips
}

// IsVideo reports whether name has a recognized clip extension.
func IsVideo(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// Dirs lists clip pools straight off the filesystem on every call, so clips
// added to a running deployment show up without a restart.
type Dirs struct {
	MainRoot     string
	PracticeRoot string
}

func (d Dirs) Main() []string     { return List(d.MainRoot) }
func (d Dirs) Practice() []string { return List(d.PracticeRoot) }

// Shuffle permutes clips in place with an unbiased Fisher-Yates shuffle.
func Shuffle(clips []string) {
	for i := len(clips) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		clips[i], clips[j] = clips[j], clips[i]
	}
}
