package hvmlog_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcertikos/hvm/internal/hvmlog"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	os.Unsetenv("HVM_LOG_LEVEL")

	logger := hvmlog.New()
	assert.Equal(t, "info", logger.GetLevel().String())
}

func TestNewHonorsLogLevelEnv(t *testing.T) {
	t.Setenv("HVM_LOG_LEVEL", "debug")

	logger := hvmlog.New()
	assert.Equal(t, "debug", logger.GetLevel().String())
}
