package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ManifestFile is the "latest" pointer written by the training loop after
// each save. It contains exactly one token naming the most recent checkpoint
// directory, formatted <tag>_<samples_seen>.
const ManifestFile = "latest"

// ErrManifestParse indicates the latest file exists but is malformed. This
// is fatal: a corrupted pointer must not silently restart training from
// step 0.
var ErrManifestParse = errors.New("malformed checkpoint manifest")

// manifestRe matches <tag>_<samples_seen>. The tag itself may contain
// underscores and digits; the trailing integer is the cumulative sample
// count at save time.
var manifestRe = regexp.MustCompile(`^(\w+)_(\d+)$`)

// Manifest identifies the most recent checkpoint.
type Manifest struct {
	// Name is the raw token, which is also the checkpoint directory name.
	Name string
	// Tag is the opaque text before the trailing sample count.
	Tag string
	// SamplesSeen is the number of training samples observed at save time.
	SamplesSeen int64
}

// ParseManifest parses a manifest token. For all valid <tag>_<n> strings it
// extracts n exactly; anything else fails with ErrManifestParse.
func ParseManifest(token string) (Manifest, error) {
	token = strings.TrimSpace(token)
	matches := manifestRe.FindStringSubmatch(token)
	if matches == nil {
		return Manifest{}, fmt.Errorf("%w: %q", ErrManifestParse, token)
	}
	samplesSeen, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %q: %v", ErrManifestParse, token, err)
	}
	return Manifest{Name: token, Tag: matches[1], SamplesSeen: samplesSeen}, nil
}

// ReadLatest reads and parses <dir>/latest. A missing file surfaces as
// fs.ErrNotExist so callers can treat it as "no checkpoint"; a present but
// malformed file is ErrManifestParse.
func ReadLatest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(string(data))
}

// LastStep derives the last completed training step from the cumulative
// sample count.
func LastStep(samplesSeen int64, effectiveBatchSize int) int64 {
	return samplesSeen / int64(effectiveBatchSize)
}
