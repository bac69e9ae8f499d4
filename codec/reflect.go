package codec

import (
	"reflect"
	"strconv"
)

// Go value mapping:
//
//	bool, intN, uintN, floatN  ↔ the same Go kind (int64 also accepts int, uint64 also uint)
//	handle                     ↔ message.Handle; zero is absent
//	string                     ↔ string; nullable: *string
//	vector                     ↔ slice; nullable: nil slice is absent
//	array                      ↔ array of the same length
//	struct                     ↔ struct with one exported field per member, in order
//	box                        ↔ pointer to struct; nil is absent
//	union                      ↔ struct{ Tag uint64; V1; V2; ... }; nullable: pointer to it

func primitiveMatches(k Kind, rv reflect.Value) bool {
	switch rk := rv.Kind(); k {
	case KindBool:
		return rk == reflect.Bool
	case KindInt8:
		return rk == reflect.Int8
	case KindInt16:
		return rk == reflect.Int16
	case KindInt32:
		return rk == reflect.Int32
	case KindInt64:
		return rk == reflect.Int64 || rk == reflect.Int
	case KindUint8:
		return rk == reflect.Uint8
	case KindUint16:
		return rk == reflect.Uint16
	case KindUint32, KindHandle:
		return rk == reflect.Uint32
	case KindUint64:
		return rk == reflect.Uint64 || rk == reflect.Uint
	case KindFloat32:
		return rk == reflect.Float32
	case KindFloat64:
		return rk == reflect.Float64
	}
	return false
}

func stringValue(t *Type, rv reflect.Value) (string, bool, error) {
	if t.nullable {
		if rv.Kind() != reflect.Pointer || rv.Type().Elem().Kind() != reflect.String {
			return "", false, invalidValue(t, "got Go %s, want *string", kindOf(rv))
		}
		if rv.IsNil() {
			return "", false, nil
		}
		return rv.Elem().String(), true, nil
	}
	if rv.Kind() != reflect.String {
		return "", false, invalidValue(t, "got Go %s, want string", kindOf(rv))
	}
	return rv.String(), true, nil
}

func vectorValue(t *Type, rv reflect.Value) (reflect.Value, bool, error) {
	if rv.Kind() != reflect.Slice {
		return reflect.Value{}, false, invalidValue(t, "got Go %s, want slice", kindOf(rv))
	}
	if rv.IsNil() && t.nullable {
		return rv, false, nil
	}
	return rv, true, nil
}

func unionValue(t *Type, rv reflect.Value) (reflect.Value, bool, error) {
	uv := rv
	if t.nullable {
		if rv.Kind() != reflect.Pointer {
			return reflect.Value{}, false, invalidValue(t, "got Go %s, want pointer", kindOf(rv))
		}
		if rv.IsNil() {
			return reflect.Value{}, false, nil
		}
		uv = rv.Elem()
	}
	if uv.Kind() != reflect.Struct || uv.NumField() != len(t.members)+1 || uv.Field(0).Kind() != reflect.Uint64 {
		return reflect.Value{}, false, invalidValue(t, "Go %s is not a union with %d variants", kindOf(uv), len(t.members))
	}
	return uv, true, nil
}

func isByteVector(t *Type, vec reflect.Value) bool {
	return t.elem.kind == KindUint8 && vec.Type().Elem().Kind() == reflect.Uint8
}

func kindOf(rv reflect.Value) string {
	if !rv.IsValid() {
		return "nil"
	}
	return rv.Type().String()
}

func itoa(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}
