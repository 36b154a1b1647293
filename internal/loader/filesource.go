package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// FileSource implements Source by reading ruleset artifacts from a local
// directory tree: {root}/{country}/{key}.manifest.json alongside
// {root}/{country}/{key}.artifact.json. Spec §4.4 leaves the concrete
// artifact store transport as an open question (object storage vs.
// config service vs. bundled files); FileSource is the simplest
// deployment-agnostic choice and keeps the loader's retry/checksum path
// exercised without requiring an external dependency at bootstrap. A
// production deployment would swap this for an S3 or HTTP-backed Source
// behind the same interface.
type FileSource struct {
	root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{root: root}
}

func (fs *FileSource) Fetch(ctx context.Context, country, key string) (models.ArtifactManifest, []byte, error) {
	dir := filepath.Join(fs.root, country)
	manifestPath := filepath.Join(dir, key+".manifest.json")
	artifactPath := filepath.Join(dir, key+".artifact.json")

	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return models.ArtifactManifest{}, nil, fmt.Errorf("filesource: read manifest %s: %w", manifestPath, err)
	}
	var manifest models.ArtifactManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return models.ArtifactManifest{}, nil, fmt.Errorf("filesource: decode manifest %s: %w", manifestPath, err)
	}

	body, err := os.ReadFile(artifactPath)
	if err != nil {
		return models.ArtifactManifest{}, nil, fmt.Errorf("filesource: read artifact %s: %w", artifactPath, err)
	}
	return manifest, body, nil
}
