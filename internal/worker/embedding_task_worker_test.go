package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fashion-similarity/internal/model"
)

func TestDecodeTask(t *testing.T) {
	msg, err := decodeTask([]byte(`{"id":"t1","type":"generate_batch","product_ids":[3,4],"batch_size":10}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ID)
	assert.Equal(t, model.TaskGenerateBatch, msg.Type)
	assert.Equal(t, []int64{3, 4}, msg.ProductIDs)
	assert.Equal(t, 10, msg.BatchSize)

	for _, body := range []string{
		`not json`,
		`{"type":"generate","product_id":1}`,
		`{"id":"t2","type":"compact"}`,
	} {
		_, err := decodeTask([]byte(body))
		assert.Error(t, err, body)
	}
}
