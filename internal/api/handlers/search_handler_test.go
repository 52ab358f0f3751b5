package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchCacheKeyVariesByLimit(t *testing.T) {
	small := searchCacheKey("hybrid", 10, "flow ratio")
	large := searchCacheKey("hybrid", 50, "flow ratio")
	assert.NotEqual(t, small, large, "different limits must not share a cache entry")

	assert.NotEqual(t, searchCacheKey("lexical", 10, "flow ratio"), searchCacheKey("vector", 10, "flow ratio"))
	assert.Equal(t, small, searchCacheKey("hybrid", 10, "flow ratio"))
}
