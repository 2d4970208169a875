package logging

import (
	"testing"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"campus-rpc/config"
)

func TestNewHonoursLevel(t *testing.T) {
	for _, dev := range []bool{false, true} {
		logger, err := New(config.LoggingConfig{Level: "warn", Development: dev})
		if err != nil {
			t.Fatal(err)
		}
		if logger.Core().Enabled(zap.InfoLevel) {
			t.Fatalf("development=%v: info enabled at warn level", dev)
		}
		if !logger.Core().Enabled(zap.ErrorLevel) {
			t.Fatalf("development=%v: error disabled at warn level", dev)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "chatty"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expect NotValid, got %v", err)
	}
}
