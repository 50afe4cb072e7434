package klog_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-foundations/kernel/klog"
	"github.com/stretchr/testify/require"
)

func TestProgrammingWritesWarning(t *testing.T) {
	var buf bytes.Buffer
	l := klog.New(&buf)

	klog.Programming(l, "port", "post called on a flushing port")

	require.Contains(t, buf.String(), "port")
	require.Contains(t, buf.String(), "post called on a flushing port")
}

func TestErrorWritesFailure(t *testing.T) {
	var buf bytes.Buffer
	l := klog.New(&buf)

	klog.Error(l, "task", errors.New("boom"))

	require.Contains(t, buf.String(), "boom")
	require.Contains(t, buf.String(), "task")
}

func TestNilLoggerFallsBackToDefault(t *testing.T) {
	require.NotPanics(t, func() {
		klog.Programming(nil, "scheduler", "no-op")
	})
}
