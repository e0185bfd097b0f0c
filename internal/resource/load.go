package resource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"updatectl/pkg/logging"
)

// For mocking in tests.
var osStdin io.Reader = os.Stdin

// Load reads resource declarations from the given paths. Each path may be
// a YAML file, a directory (walked recursively for *.yaml / *.yml), or
// "-" for a pre-rendered manifest stream on stdin. Multi-document files
// are split; empty documents are skipped. Declaring the same Ref twice is
// an error.
func Load(paths ...string) ([]Declaration, error) {
	if len(paths) == 0 {
		return nil, errors.New("no resource paths given")
	}

	var decls []Declaration
	seen := make(map[Ref]string)

	for _, path := range paths {
		if path == "-" {
			loaded, err := decode(osStdin, "stdin")
			if err != nil {
				return nil, err
			}
			if err := appendDecls(&decls, seen, loaded, "stdin"); err != nil {
				return nil, err
			}
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read resource path %s: %w", path, err)
		}

		files := []string{path}
		if info.IsDir() {
			files, err = listManifestFiles(path)
			if err != nil {
				return nil, err
			}
		}

		for _, file := range files {
			f, err := os.Open(file)
			if err != nil {
				return nil, fmt.Errorf("cannot open manifest %s: %w", file, err)
			}
			loaded, err := decode(f, file)
			f.Close()
			if err != nil {
				return nil, err
			}
			if err := appendDecls(&decls, seen, loaded, file); err != nil {
				return nil, err
			}
		}
	}

	logging.Debug("ResourceLoader", "Loaded %d resource declarations from %d path(s)", len(decls), len(paths))
	return decls, nil
}

func appendDecls(decls *[]Declaration, seen map[Ref]string, loaded []Declaration, source string) error {
	for _, d := range loaded {
		if prev, dup := seen[d.Ref]; dup {
			return fmt.Errorf("resource %s declared twice (in %s and %s)", d.Ref, prev, source)
		}
		seen[d.Ref] = source
		*decls = append(*decls, d)
	}
	return nil
}

func listManifestFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot walk resource directory %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// decode splits a YAML stream into declarations.
func decode(r io.Reader, source string) ([]Declaration, error) {
	var decls []Declaration
	decoder := utilyaml.NewYAMLOrJSONDecoder(r, 4096)

	for {
		var raw map[string]interface{}
		err := decoder.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse manifest in %s: %w", source, err)
		}
		if len(raw) == 0 {
			continue // Empty document between separators
		}

		obj := &unstructured.Unstructured{Object: raw}
		decl, err := NewDeclaration(obj)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		decls = append(decls, decl)
	}

	return decls, nil
}
