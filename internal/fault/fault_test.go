package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfSurvivesWrapping(t *testing.T) {
	base := New(KindPolicy, "budget exhausted for quest %s", "q1")
	wrapped := fmt.Errorf("execute payout: %w", base)

	assert.Equal(t, KindPolicy, KindOf(wrapped))
	assert.False(t, IsTransient(wrapped))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Wrap(KindTransient, cause, "transfer rail call")

	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "transient")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(KindTransient, nil, "no-op"))
}

func TestUnclassifiedIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, IsTransient(errors.New("timeout mentioned in text only")))
}
