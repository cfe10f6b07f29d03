package badger

import (
	"strings"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// badgerLoggerAdapter routes badger's printf style logs into zap. Badger is
// chatty at info level, so info is demoted to debug.
type badgerLoggerAdapter struct {
	logger *zap.SugaredLogger
}

var _ badgerdb.Logger = (*badgerLoggerAdapter)(nil)

func newBadgerLoggerAdapter(logger *zap.Logger) *badgerLoggerAdapter {
	return &badgerLoggerAdapter{logger: logger.Named("badger").Sugar()}
}

func (b *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	b.logger.Errorf(trimNewline(format), args...)
}

func (b *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	b.logger.Warnf(trimNewline(format), args...)
}

func (b *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	b.logger.Debugf(trimNewline(format), args...)
}

func (b *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	b.logger.Debugf(trimNewline(format), args...)
}

func trimNewline(format string) string {
	return strings.TrimRight(format, "\n")
}
