package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

func TestConfigValidate(t *testing.T) {
	assert.Equal(t, len(DefaultConfig().Validate()), 0)
	assert.Equal(t, len(Config{Level: "loud"}.Validate()), 1)
}

func TestRankHook(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	l.AddHook(RankHook{Rank: 3})

	l.Info("hello")
	assert.Equal(t, buf.String(), "level=info msg=hello rank=3\n")

	buf.Reset()
	l.WithField("rank", 7).Info("explicit")
	assert.Equal(t, buf.String(), "level=info msg=explicit rank=7\n")
}

func TestCapture(t *testing.T) {
	var buf bytes.Buffer
	restore := Capture(&buf)
	logrus.Warn("captured")
	restore()
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("captured")))
}
