package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

const (
	pythonDockerfile = `FROM python:3.12-alpine
WORKDIR /app
COPY . ./
RUN pip install -r requirements.txt
CMD ["python", "main.py"]
`

	javascriptDockerfile = `FROM node:22-alpine
WORKDIR /app
COPY . ./
RUN npm install
CMD ["npm", "start"]
`

	goDockerfile = `FROM golang:1.25-alpine
WORKDIR /src
COPY . ./
RUN go build -o /usr/local/bin/app .
CMD ["/usr/local/bin/app"]
`
)

// ProjectDockerfile is reported when the context already ships its own Dockerfile.
const ProjectDockerfile = "Dockerfile"

var ErrUnknownProject = errors.New("could not determine build type")

type projectMarker struct {
	file       string
	kind       string
	dockerfile string
}

var markers = []projectMarker{
	{file: "package.json", kind: "JavaScript", dockerfile: javascriptDockerfile},
	{file: "requirements.txt", kind: "Python", dockerfile: pythonDockerfile},
	{file: "main.go", kind: "Go", dockerfile: goDockerfile},
}

// DetectProject inspects a staged context. A Dockerfile at the root wins;
// otherwise exactly one marker file must identify the project so a Dockerfile
// can be generated for it. The returned dockerfile is empty when the context
// already has one.
func DetectProject(dir string) (kind string, dockerfile string, err error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to open build context: %w", err)
	}
	defer root.Close()

	return detectProject(root)
}

func detectProject(root *os.Root) (string, string, error) {
	if fileExists(root, "Dockerfile") {
		return ProjectDockerfile, "", nil
	}

	var found []projectMarker
	for _, m := range markers {
		if fileExists(root, m.file) {
			found = append(found, m)
		}
	}

	switch len(found) {
	case 0:
		return "", "", ErrUnknownProject
	case 1:
		return found[0].kind, found[0].dockerfile, nil
	default:
		kinds := make([]string, 0, len(found))
		for _, m := range found {
			kinds = append(kinds, m.kind)
		}
		sort.Strings(kinds)
		return "", "", fmt.Errorf("%w: found multiple types: %s", ErrUnknownProject, strings.Join(kinds, ", "))
	}
}

// EnsureDockerfile runs DetectProject and writes the generated Dockerfile into
// dir when the context has none. It returns the detected project kind. A
// dangling Dockerfile symlink is replaced rather than written through.
func EnsureDockerfile(dir string) (string, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open build context: %w", err)
	}
	defer root.Close()

	kind, dockerfile, err := detectProject(root)
	if err != nil {
		return "", err
	}
	if dockerfile == "" {
		return kind, nil
	}

	if err := root.Remove("Dockerfile"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to replace Dockerfile: %w", err)
	}
	if err := root.WriteFile("Dockerfile", []byte(dockerfile), 0644); err != nil {
		return "", fmt.Errorf("failed to write generated Dockerfile: %w", err)
	}
	return kind, nil
}

// fileExists reports whether name is a regular file inside root. Symlinks are
// followed only as far as they stay inside root.
func fileExists(root *os.Root, name string) bool {
	info, err := root.Stat(name)
	return err == nil && !info.IsDir()
}
