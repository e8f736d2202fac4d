package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "%p-500%", escapeLike("P-500"))
	assert.Equal(t, `%50\%\_off%`, escapeLike("50%_off"))
	assert.Equal(t, `%a\\b%`, escapeLike(`a\b`))
}

func TestILikePattern(t *testing.T) {
	assert.Equal(t, "%P-500%", ilikePattern("P-500"))
	assert.Equal(t, `%100\%%`, ilikePattern("100%"))
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 25, orDefault(0, 25))
	assert.Equal(t, 10, orDefault(10, 25))
	assert.Equal(t, 5, orDefault(-1, 5))
}
