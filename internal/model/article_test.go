package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashTitle(t *testing.T) {
	// Case and whitespace variants hash identically.
	base := HashTitle("Breaking News: Markets Rally")
	assert.Equal(t, base, HashTitle("breaking news:   markets rally"))
	assert.Equal(t, base, HashTitle("  Breaking  News: Markets Rally\n"))

	assert.NotEqual(t, base, HashTitle("Breaking News: Markets Fall"))
	assert.Len(t, base, 64)
}

func TestAssigned(t *testing.T) {
	assert.False(t, Article{IssueID: UnassignedIssueID}.Assigned())
	assert.True(t, Article{IssueID: 7}.Assigned())
}
