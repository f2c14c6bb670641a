package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ShortStringer is implemented by keys and hashes that have a compact log form.
type ShortStringer interface {
	ShortString() string
}

type shortStringAdapter struct {
	val ShortStringer
}

func (a shortStringAdapter) String() string {
	return a.val.ShortString()
}

// ZShortStringer logs the short form of a key, hash or id.
func ZShortStringer(name string, val ShortStringer) zap.Field {
	return zap.Stringer(name, shortStringAdapter{val: val})
}

// ZShortStringers logs the short forms of a list of keys.
func ZShortStringers[T ShortStringer](name string, vals []T) zap.Field {
	return zap.Array(name, zapcore.ArrayMarshalerFunc(func(enc zapcore.ArrayEncoder) error {
		for _, val := range vals {
			enc.AppendString(val.ShortString())
		}
		return nil
	}))
}
