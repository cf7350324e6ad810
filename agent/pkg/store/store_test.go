package store_test

import (
	"testing"

	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestWords(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"orders", "placed", "2023", "placed_at"}, store.Words("How many orders were placed in 2023? placed_at, Orders"))
	assert.Empty(t, store.Words("the and of"))
	assert.Empty(t, store.Words(""))
}
