package broker

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := errors.Wrap(Ambiguous("submit", context.DeadlineExceeded), "execute")
	assert.Equal(t, KindAmbiguous, KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Equal(t, KindRejected, KindOf(Rejected("submit", errors.New("INSUFFICIENT_MARGIN"))))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, "transient", KindTransient.String())
}
