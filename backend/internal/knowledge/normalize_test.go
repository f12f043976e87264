package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Brahms", "brahms"},
		{"Brahms'", "brahms"},
		{"Brahms's", "brahms"},
		{"  Johannes   BRAHMS ", "johannes brahms"},
		{"Dvořák", "dvorak"},
		{"Saint-Saëns", "saint saens"},
		{"violin concerto (Op. 77)", "violin concerto op 77"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "user loves brahms", NormalizeText("  User loves   Brahms. "))
	assert.Equal(t, NormalizeText("The user likes jazz!"), NormalizeText("the user likes jazz"))
}

func TestChunkID_Stable(t *testing.T) {
	a := ChunkID("User: hello")
	assert.Equal(t, a, ChunkID("User: hello"))
	assert.NotEqual(t, a, ChunkID("User: hello!"))
	assert.Contains(t, a, "chunk:")
}
