// Package ollama resolves model references like "llama3:8b" to GGUF blob
// paths inside a local ollama store, so lens commands can name models the
// same way ollama does instead of pointing at blob files by hash.
package ollama

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-lens/internal/logger"
)

const (
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	DefaultLibrary  = "library"

	MediaTypeModel = "application/vnd.ollama.image.model"
)

// Manifest is the subset of an ollama image manifest the resolver reads.
type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelsDir returns the local ollama model store, honoring OLLAMA_MODELS.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// manifestPath maps a model reference to its manifest file. Short names
// expand to the default registry and library namespace:
//
//	llama3          -> registry.ollama.ai/library/llama3/latest
//	llama3:8b       -> registry.ollama.ai/library/llama3/8b
//	alice/model:tag -> registry.ollama.ai/alice/model/tag
//	host/ns/model   -> host/ns/model/latest
func manifestPath(baseDir, ref string) string {
	name := ref
	tag := DefaultTag
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		name = ref[:i]
		tag = ref[i+1:]
	}

	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		parts = []string{DefaultRegistry, DefaultLibrary, parts[0]}
	case 2:
		parts = []string{DefaultRegistry, parts[0], parts[1]}
	}

	elems := append([]string{baseDir, "manifests"}, parts...)
	elems = append(elems, tag)
	return filepath.Join(elems...)
}

// Resolve finds the GGUF blob for a model reference inside baseDir by
// reading its manifest and locating the model layer's blob file.
func Resolve(baseDir, ref string) (string, error) {
	path := manifestPath(baseDir, ref)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("ollama: no manifest for %q at %s", ref, path)
		}
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("ollama: parse manifest for %q: %w", ref, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("ollama: manifest for %q has no model layer", ref)
	}

	// Digest "sha256:hash" becomes blob file "sha256-hash".
	blob := filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("ollama: model blob missing for %q: %w", ref, err)
	}

	logger.Log.Debug("resolved ollama model", "ref", ref, "blob", blob)
	return blob, nil
}

// ResolveModelPath resolves a model reference against the default store.
func ResolveModelPath(ref string) (string, error) {
	baseDir, err := ModelsDir()
	if err != nil {
		return "", err
	}
	return Resolve(baseDir, ref)
}
