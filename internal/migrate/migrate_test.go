package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesAreOrderedAndIdempotent(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	require.Equal(t, "0001_init.sql", files[0])

	for _, f := range files {
		b, err := fs.ReadFile(f)
		require.NoError(t, err)
		for _, stmt := range strings.Split(string(b), ";") {
			stmt = strings.TrimSpace(stmt)
			if strings.HasPrefix(stmt, "CREATE") {
				require.Contains(t, stmt, "IF NOT EXISTS", "%s: %s", f, stmt)
			}
		}
	}
}
