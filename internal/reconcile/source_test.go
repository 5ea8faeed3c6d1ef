package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"refdata/internal/domain"
)

func TestCSVFeed(t *testing.T) {
	t.Run("reads header-keyed rows and strips the BOM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "countries.csv")
		content := "\xEF\xBB\xBFcode,name,region,numeric\nUS,United States,AMER,840\nDE,Germany,EMEA,276\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		rows, err := CSVFeed{Path: path}.Pull(context.Background())
		require.NoError(t, err)
		require.Len(t, rows, 2)

		assert.Equal(t, "US", rows[0].Fields["code"])
		assert.Equal(t, "United States", rows[0].Fields["name"])
		assert.Equal(t, "840", rows[0].Fields["numeric"])
		assert.Equal(t, 2, rows[0].Line)
		assert.Equal(t, 3, rows[1].Line)
	})

	t.Run("missing file fails the pull", func(t *testing.T) {
		_, err := CSVFeed{Path: filepath.Join(t.TempDir(), "absent.csv")}.Pull(context.Background())
		assert.Error(t, err)
	})

	t.Run("cancelled context stops the read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "countries.csv")
		require.NoError(t, os.WriteFile(path, []byte("code,name\nUS,United States\n"), 0o644))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := CSVFeed{Path: path}.Pull(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestXLSXFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.xlsx")

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	for i, row := range [][]any{
		{"code", "name", "region"},
		{"USNYC", "New York", "AMER"},
		{"DEHAM", "Hamburg", "EMEA"},
	} {
		require.NoError(t, book.SetSheetRow(sheet, fmt.Sprintf("A%d", i+1), &row))
	}
	require.NoError(t, book.SaveAs(path))
	require.NoError(t, book.Close())

	rows, err := XLSXFeed{Path: path}.Pull(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "USNYC", rows[0].Fields["code"])
	assert.Equal(t, "Hamburg", rows[1].Fields["name"])
}

func TestDefaultMapper(t *testing.T) {
	row := Row{Fields: map[string]string{
		"code":    "US",
		"name":    "United States",
		"region":  "AMER",
		"numeric": "840",
		"tld":     ".us",
	}}

	payload := DefaultMapper(row)
	assert.Equal(t, domain.RecordPayload{
		Code:   "US",
		Name:   "United States",
		Region: "AMER",
		Attributes: map[string]string{
			"numeric": "840",
			"tld":     ".us",
		},
	}, payload)
}
