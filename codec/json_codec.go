package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
)

var emptyObject = []byte("{}")

// JSONCodec uses Go's standard library encoding/json for serialization.
//
// A nil value (or a typed nil pointer, map or slice) encodes to "{}" so that the wire
// never carries a bare null envelope. Decode fills a fresh value and stores it into
// the target only on success.
type JSONCodec struct {
	Logger logrus.FieldLogger
}

func NewJSONCodec(logger logrus.FieldLogger) *JSONCodec {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JSONCodec{Logger: logger.WithField("component", "codec")}
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if IsNil(v) {
		return emptyObject, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger().WithError(err).Error("json serialization error")
		return nil, fmt.Errorf("codec: encode %T: %w", v, err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if IsNull(data) {
		return fmt.Errorf("%w: empty input", ErrDecode)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("%w: non-nil pointer required, got %T", ErrDecode, v)
	}
	// Unmarshal into a fresh value so a failure leaves *v as it was.
	tmp := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(data, tmp.Interface()); err != nil {
		c.logger().WithError(err).Debug("json deserialization error")
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	rv.Elem().Set(tmp.Elem())
	return nil
}

func (c *JSONCodec) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// IsNil reports whether v is nil or a typed nil pointer, map, slice or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
