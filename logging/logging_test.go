package logging

import (
	"flag"
	"os"
	"path"
	"testing"

	"github.com/openlabtools/gosmu/utils"
	"github.com/sirupsen/logrus"
)

func TestSetupLoggerRetainsFileHandle(t *testing.T) {
	if err := flag.Set("home-folder", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	SetupLogger()
	defer logrus.SetOutput(os.Stdout)
	if logFile == nil {
		t.Fatal("log file handle not retained")
	}
	if _, err := os.Stat(path.Join(utils.GetSubFolder(LogPath), "log.out")); err != nil {
		t.Fatal(err)
	}
	exitHandler()
	if err := logFile.Close(); err == nil {
		t.Fatal("exit handler did not close the log file")
	}
}
