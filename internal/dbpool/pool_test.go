package dbpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'app'", quoteLiteral("app"))
}

func TestWorkloadMemory_TunesByPool(t *testing.T) {
	workMem, cacheSize := workloadMemory(Analytics)
	assert.Equal(t, "64MB", workMem)
	assert.Equal(t, "4GB", cacheSize)

	workMem, cacheSize = workloadMemory(Batch)
	assert.Equal(t, "64MB", workMem)

	workMem, cacheSize = workloadMemory(Write)
	assert.Equal(t, "16MB", workMem)
	assert.Equal(t, "2GB", cacheSize)

	workMem, cacheSize = workloadMemory(Auth)
	assert.Equal(t, "4MB", workMem)
	assert.Equal(t, "1GB", cacheSize)
}
