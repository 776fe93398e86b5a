package archive

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/ryanmoran/deployc/internal"
)

// Staged is a build context unpacked on disk together with the tag it will
// be built and pushed as.
type Staged struct {
	Dir         string
	Tag         internal.Tag
	Compression Compression
	Project     string
}

// Stager allocates staging directories and unpacks payloads into them.
type Stager struct {
	root             string
	namespace        string
	detectDockerfile bool
	logger           zerolog.Logger
}

// NewStager creates a Stager. Staging directories are created under root (the
// system temp dir when empty) and tags are minted in namespace.
func NewStager(root, namespace string, detectDockerfile bool, logger zerolog.Logger) Stager {
	return Stager{
		root:             root,
		namespace:        namespace,
		detectDockerfile: detectDockerfile,
		logger:           logger,
	}
}

// Stage allocates a fresh directory, unpacks payload into it and mints the
// session tag. When extraction fails the returned Staged still carries Dir so
// the caller can release it.
func (s Stager) Stage(payload io.Reader) (Staged, error) {
	dir, err := os.MkdirTemp(s.root, "build-")
	if err != nil {
		return Staged{}, fmt.Errorf("failed to create staging directory: %w\nCheck disk space and permissions on the staging root", err)
	}

	staged := Staged{
		Dir: dir,
		Tag: internal.GenerateTag(s.namespace),
	}

	r, compression, err := Decompress(payload)
	if err != nil {
		return staged, err
	}
	defer r.Close()
	staged.Compression = compression

	if err := Extract(dir, r, s.logger); err != nil {
		return staged, err
	}

	if s.detectDockerfile {
		project, err := EnsureDockerfile(dir)
		if err != nil {
			return staged, err
		}
		staged.Project = project
	}

	return staged, nil
}
