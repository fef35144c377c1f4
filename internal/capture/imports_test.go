package capture

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// The capture core and the packages it imports must build without cgo.
func TestCoreImportsNoNativeAudio(t *testing.T) {
	native := []string{
		"github.com/gordonklaus/portaudio",
		"github.com/sjawhar/sofia/internal/audio/portaudio",
	}

	for _, dir := range []string{".", "../audio", "../voice"} {
		files, err := filepath.Glob(filepath.Join(dir, "*.go"))
		require.NoError(t, err)
		require.NotEmpty(t, files, dir)

		for _, file := range files {
			f, err := parser.ParseFile(token.NewFileSet(), file, nil, parser.ImportsOnly)
			require.NoError(t, err)
			for _, imp := range f.Imports {
				path, err := strconv.Unquote(imp.Path.Value)
				require.NoError(t, err)
				require.NotContains(t, native, path, "%s imports a cgo audio backend", file)
				require.NotEqual(t, "C", path, "%s uses cgo", file)
			}
		}
	}
}
