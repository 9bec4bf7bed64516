// Package playlist assembles the ordered clip sequence a participant watches
// during the test phase.
package playlist

import (
	"context"
	"log/slog"
	"math/rand/v2"
)

// Clip is one playlist entry. Pool names the content root the clip is served
// from; IsFinal marks the calibration clip appended at the end of the run.
type Clip struct {
	Filename string `json:"filename"`
	Pool     string `json:"pool"`
	IsFinal  bool   `json:"isFinal"`
}

// Calibration identifies the known-answer clip appended after the sampled set.
type Calibration struct {
	Filename string
	Pool     string
}

// Prober checks whether a clip is actually retrievable from the serving
// layer. The playlist only promises the calibration clip when a probe against
// the stream endpoint succeeds, mirroring what the player will fetch.
type Prober interface {
	Exists(ctx context.Context, pool, filename string) bool
}

// Build produces the test-phase playlist: the calibration filename and any
// duplicate names are removed from the catalog, the remainder is shuffled,
// the first min(targetCount, len) entries become non-final clips in mainPool,
// and the calibration clip is appended last, flagged final, only if the probe
// succeeds. An empty result means no content is available; callers must treat
// that as a terminal condition, not completion.
func Build(ctx context.Context, catalog []string, targetCount int, mainPool string, cal Calibration, probe Prober) []Clip {
	pool := make([]string, 0, len(catalog))
	seen := make(map[string]bool, len(catalog))
	for _, name := range catalog {
		if name == cal.Filename || seen[name] {
			continue
		}
		seen[name] = true
		pool = append(pool, name)
	}

	for i := len(pool) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		pool[i], pool[j] = pool[j], pool[i]
	}

	count := targetCount
	if count > len(pool) {
		count = len(pool)
	}
	if count < 0 {
		count = 0
	}

	clips := make([]Clip, 0, count+1)
	for _, name := range pool[:count] {
		clips = append(clips, Clip{Filename: name, Pool: mainPool})
	}

	if cal.Filename != "" && probe != nil && probe.Exists(ctx, cal.Pool, cal.Filename) {
		clips = append(clips, Clip{Filename: cal.Filename, Pool: cal.Pool, IsFinal: true})
	} else if cal.Filename != "" {
		slog.Info("playlist: calibration clip not retrievable, skipping append",
			"pool", cal.Pool, "filename", cal.Filename)
	}

	return clips
}
