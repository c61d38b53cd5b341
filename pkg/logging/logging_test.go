package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func restoreDefaults(t *testing.T) {
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(newFormatter(true))
		logger.SetLevel(logrus.InfoLevel)
		logger.SetReportCaller(false)
		logger.ReplaceHooks(make(logrus.LevelHooks))
		logger.ExitFunc = os.Exit
	})
}

func TestSetLoggerReroutesExistingEntries(t *testing.T) {
	restoreDefaults(t)
	log := For("cable")

	var out bytes.Buffer
	host := logrus.New()
	host.SetOutput(&out)
	host.SetFormatter(&logrus.JSONFormatter{})
	host.SetLevel(logrus.DebugLevel)
	SetLogger(host)

	log.Debug("flush queued")
	got := out.String()
	if !strings.Contains(got, `"msg":"flush queued"`) || !strings.Contains(got, `"prefix":"cable"`) {
		t.Fatalf("host output = %q", got)
	}

	out.Reset()
	For("flash").Trace("too chatty")
	if out.Len() != 0 {
		t.Errorf("trace entry passed the host's debug level: %q", out.String())
	}
}

func TestSetLoggerNil(t *testing.T) {
	restoreDefaults(t)
	before := Logger()
	SetLogger(nil)
	SetLogger(before)
	if Logger() != before || Logger().Out != os.Stderr {
		t.Errorf("logger changed by SetLogger(nil)")
	}
}

func TestSetLevel(t *testing.T) {
	restoreDefaults(t)
	if err := SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	if Logger().GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %s", Logger().GetLevel())
	}
	if err := SetLevel("chatty"); err == nil {
		t.Errorf("bad level accepted")
	}
}
