package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.viam.com/test"
)

func TestVerboseEnablesDebug(t *testing.T) {
	test.That(t, NewLoggerConfig(true).Level.Enabled(zap.DebugLevel), test.ShouldBeTrue)
	test.That(t, NewLoggerConfig(false).Level.Enabled(zap.DebugLevel), test.ShouldBeFalse)
	test.That(t, NewLoggerConfig(false).OutputPaths, test.ShouldResemble, []string{"stderr"})
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("worker", false)
	test.That(t, logger, test.ShouldNotBeNil)
	logger.Infow("hello", "key", "value")
}
