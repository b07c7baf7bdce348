package target_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/italolelis/archive_downloader/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantID  string
		wantErr bool
	}{
		{"archive file name", "https://cdn.example.com/files/Game%20(USA).7z", "Game (USA).7z", false},
		{"zip upper case", "https://cdn.example.com/a/DISC.ZIP", "DISC.ZIP", false},
		{"opaque path", "https://example/v/1", "example_v_1", false},
		{"query string", "https://dl.example.com/get?mediaId=42", "dl.example.com_get_mediaId_42", false},
		{"host only", "http://example.com", "example.com", false},
		{"relative", "/v/1", "", true},
		{"ftp", "ftp://example.com/a.zip", "", true},
		{"no host", "https:///a.zip", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := target.New("downloads", tt.url)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got.ID)
			assert.Equal(t, filepath.Join("downloads", tt.wantID), got.FinalPath)
			assert.Equal(t, filepath.Join("downloads", tt.wantID)+target.PendingSuffix, got.StagedPath)
		})
	}
}

func TestParseList(t *testing.T) {
	list := strings.Join([]string{
		"https://example/v/1",
		"",
		"   # a comment",
		"not a url",
		"https://example/v/2  ",
		"https://example/v/1",
		"ftp://example/v/3",
	}, "\n")

	targets, warnings, err := target.ParseList(strings.NewReader(list), "dl")
	require.NoError(t, err)

	require.Len(t, targets, 2)
	assert.Equal(t, "https://example/v/1", targets[0].URL)
	assert.Equal(t, 1, targets[0].Line)
	assert.Equal(t, "https://example/v/2", targets[1].URL)
	assert.Equal(t, 5, targets[1].Line)

	require.Len(t, warnings, 3)
	assert.Equal(t, 4, warnings[0].Line)
	assert.Equal(t, 6, warnings[1].Line)
	assert.Equal(t, "duplicate of line 1", warnings[1].Reason)
	assert.Equal(t, 7, warnings[2].Line)
	assert.Contains(t, warnings[2].Error(), "line 7")
}

func TestParseList_CollidingIdentifiers(t *testing.T) {
	list := strings.Join([]string{
		"https://a.example/x/game.zip",
		"https://b.example/y/game.zip",
		"https://a.example/x/game.zip",
		"https://c.example/z/game.zip",
	}, "\n")

	targets, warnings, err := target.ParseList(strings.NewReader(list), "dl")
	require.NoError(t, err)

	require.Len(t, warnings, 1)
	assert.Equal(t, 3, warnings[0].Line)

	require.Len(t, targets, 3)
	assert.Equal(t, "game.zip", targets[0].ID)

	ids := map[string]bool{}

	for _, tg := range targets {
		assert.False(t, ids[tg.ID], "identifier %q used twice", tg.ID)
		ids[tg.ID] = true

		assert.True(t, strings.HasSuffix(tg.ID, ".zip"), tg.ID)
		assert.Equal(t, filepath.Join("dl", tg.ID), tg.FinalPath)
		assert.Equal(t, filepath.Join("dl", tg.ID)+target.PendingSuffix, tg.StagedPath)
	}

	assert.Regexp(t, `^game-[0-9a-f]{8}\.zip$`, targets[1].ID)
	assert.Equal(t, "https://b.example/y/game.zip", targets[1].URL)
	assert.Equal(t, 2, targets[1].Line)
	assert.Equal(t, 4, targets[2].Line)
}

func TestParseList_CollidingIdentifiersAreStable(t *testing.T) {
	list := "https://a.example/game.zip\nhttps://b.example/game.zip\n"

	first, _, err := target.ParseList(strings.NewReader(list), "dl")
	require.NoError(t, err)

	second, _, err := target.ParseList(strings.NewReader(list), "dl")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
