package logging

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace_AddsStackForPkgErrors(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	err := errors.Wrap(errors.New("root"), "outer")

	WithStacktrace(logrus.NewEntry(logger), err).Warn("cleanup failed")

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])
}

func TestWithStacktrace_PlainError(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	WithStacktrace(logrus.NewEntry(logger), assert.AnError).Error("failed")

	_, hasStack := hook.LastEntry().Data[Stacktrace]
	assert.False(t, hasStack)
}

func TestExtractStack(t *testing.T) {
	assert.Nil(t, ExtractStack(nil))
	assert.Nil(t, ExtractStack(assert.AnError))
	assert.NotNil(t, ExtractStack(errors.WithMessage(errors.New("x"), "y")))
}

func TestPrometheusHook_CountsByLevel(t *testing.T) {
	registry := prometheus.NewRegistry()
	hook := NewPrometheusHook("test_", registry)
	logger, _ := logtest.NewNullLogger()
	logger.AddHook(hook)

	logger.Info("a")
	logger.Info("b")
	logger.Warn("c")

	assert.Equal(t, 2.0, testutil.ToFloat64(hook.counters[logrus.InfoLevel]))
	assert.Equal(t, 1.0, testutil.ToFloat64(hook.counters[logrus.WarnLevel]))
	assert.Equal(t, 0.0, testutil.ToFloat64(hook.counters[logrus.ErrorLevel]))
}
