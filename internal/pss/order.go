package pss

import (
	"fmt"
	"reflect"
)

// ExternalIDLess implements the external-id PSS's normative total order:
// same-type comparable values compare natively; otherwise by a stable type
// tag, breaking ties by canonical string form. Numeric keys are
// canonicalized to a single numeric width first so that e.g. int32(5) and
// int64(5) never spuriously disagree.
//
// Keys passed to the tree are the encoded form produced by EncodeExternalID;
// this function decodes them back to compare the original values.
func ExternalIDLess(a, b []byte) bool {
	va, ta := decodeExternalID(a)
	vb, tb := decodeExternalID(b)

	if ta == tb {
		switch ta {
		case tagNumber:
			return va.(float64) < vb.(float64)
		case tagString:
			return va.(string) < vb.(string)
		case tagBool:
			return !va.(bool) && vb.(bool)
		}
	}
	if ta != tb {
		return ta < tb
	}
	return fmt.Sprint(va) < fmt.Sprint(vb)
}

type typeTag byte

const (
	tagBool typeTag = iota
	tagNumber
	tagString
)

// EncodeExternalID canonicalizes a caller-supplied external ID (any
// comparable Go value) into the byte key the PSS stores and orders by.
func EncodeExternalID(v any) []byte {
	tag, canon := canonicalize(v)
	return append([]byte{byte(tag)}, []byte(fmt.Sprint(canon))...)
}

func canonicalize(v any) (typeTag, any) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return tagBool, rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return tagNumber, float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return tagNumber, float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return tagNumber, rv.Float()
	default:
		return tagString, fmt.Sprint(v)
	}
}

func decodeExternalID(key []byte) (any, typeTag) {
	if len(key) == 0 {
		return "", tagString
	}
	tag := typeTag(key[0])
	rest := string(key[1:])
	switch tag {
	case tagNumber:
		var f float64
		fmt.Sscanf(rest, "%g", &f)
		return f, tagNumber
	case tagBool:
		return rest == "true", tagBool
	default:
		return rest, tagString
	}
}
