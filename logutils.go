package kvcollectionsx

import (
	"github.com/couchbase/kvcollectionsx/zaputils"
	"go.uber.org/zap"
)

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// vbucketLogger tags every entry with the vbucket it concerns.
func vbucketLogger(logger *zap.Logger, vbid uint16) *zap.Logger {
	return loggerOrNop(logger).With(zaputils.Vbid("vbid", vbid))
}
