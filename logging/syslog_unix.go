//go:build !windows && !plan9

package logging

import (
	"io"
	"log/syslog"
)

func openSyslog(tag string) (io.WriteCloser, error) {
	return syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
}
