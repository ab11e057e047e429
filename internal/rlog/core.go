package rlog

import (
	"io"

	"go.uber.org/zap/zapcore"
)

func zapcoreWriteSyncer(w io.Writer) zapcore.WriteSyncer {
	return zapcore.AddSync(w)
}

func newJSONCore(cfg zapcore.EncoderConfig, sink zapcore.WriteSyncer) zapcore.Core {
	return zapcore.NewCore(zapcore.NewJSONEncoder(cfg), sink, zapcore.InfoLevel)
}
