// Package logger provides the process-wide structured logger: a
// go-utils glog.Logger (the type gin-middlewares' per-request logger
// middleware hands out) plus terse Sys* helpers.
package logger

import (
	"os"

	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
)

// Logger is the process-wide structured logger. Request handlers should
// prefer the request-scoped logger from gmw.GetLogger; this one is for
// background maintenance and startup/shutdown paths.
var Logger glog.Logger

func init() {
	level := glog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = glog.LevelDebug
	}
	lg, err := glog.NewConsoleWithName("codeassist-proxy", level)
	if err != nil {
		lg = glog.Shared
	}
	Logger = lg
}

// SysLog logs an operator-facing informational line.
func SysLog(msg string, fields ...zap.Field) {
	Logger.Info(msg, fields...)
}

// SysError logs an operator-facing error line.
func SysError(msg string, fields ...zap.Field) {
	Logger.Error(msg, fields...)
}
