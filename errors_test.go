package capsule

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aetherhq/capsule/hook"
	"github.com/aetherhq/capsule/internal/flock"
	"github.com/aetherhq/capsule/internal/framelog"
)

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))

	err := translateError(fmt.Errorf("acquire: %w", flock.ErrTimeout))
	assert.ErrorIs(t, err, ErrLockTimeout)

	err = translateError(fmt.Errorf("read: %w", framelog.ErrNotFound))
	assert.ErrorIs(t, err, ErrNotFound)

	err = translateError(&framelog.CorruptError{Seq: 3, Offset: 128})
	assert.ErrorIs(t, err, ErrCorrupt)

	err = translateError(&hook.Error{Kind: "expansion", Err: hook.ErrTimeout})
	assert.ErrorIs(t, err, ErrHookTimeout)

	err = translateError(&hook.Error{Kind: "rerank", Err: errors.New("exit 1")})
	assert.ErrorIs(t, err, ErrHookError)

	plain := errors.New("something else")
	assert.Equal(t, plain, translateError(plain))
}

func TestCapacityError(t *testing.T) {
	err := &CapacityError{Tier: TierFree, Limit: 200 << 20, Requested: 1024, cause: framelog.ErrCapacity}

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.ErrorIs(t, err, framelog.ErrCapacity)
	assert.Contains(t, err.Error(), "free")

	var ce *CapacityError
	assert.ErrorAs(t, fmt.Errorf("append: %w", err), &ce)
	assert.Equal(t, int64(1024), ce.Requested)
}
