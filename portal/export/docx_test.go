package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocxMeetsSizeFloor(t *testing.T) {
	// A nearly empty dossier is the worst case for the size floor since the
	// padding is the only thing standing between it and a tiny archive.
	docs := []*Document{
		{Title: "T"},
		{
			Title:         "Mon dossier VAE",
			Certification: "DEAS",
			Sections: []Section{
				{Title: "Parcours professionnel", Content: "Huit années comme aide soignante en milieu hospitalier."},
				{Title: "Motivation", Content: "Obtenir la reconnaissance de mon expérience."},
			},
		},
	}

	for _, doc := range docs {
		data, err := renderDocx(doc)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(data), "PK\x03\x04"), "zip magic bytes")
		require.GreaterOrEqual(t, len(data), minDocxBytes)
	}
}
