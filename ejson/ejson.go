package ejson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
)

// EJSON is JSON plus dates, binary, non-finite numbers and user defined types.
// Each extension is a JSON object with a reserved `$` key:
//     {"$date": <unix millis>}
//     {"$binary": <base64>}
//     {"$InfNaN": 1 | -1 | 0}
//     {"$type": <name>, "$value": <json value>}
// A plain object that would be mistaken for one of these is wrapped as
// {"$escape": <object>}.

const (
	keyDate   = "$date"
	keyBinary = "$binary"
	keyInfNaN = "$InfNaN"
	keyType   = "$type"
	keyValue  = "$value"
	keyEscape = "$escape"
)

// a value that encodes itself as a custom `$type`
type CustomType interface {
	EjsonTypeName() string
	EjsonValue() any
}

// builds a value of a custom type from its decoded `$value`
type TypeFactory func(value any) (any, error)

type UnknownTypeError struct {
	TypeName string
}

func (self *UnknownTypeError) Error() string {
	return fmt.Sprintf("Custom EJSON type %s is not defined", self.TypeName)
}

type Codec struct {
	mutex     sync.Mutex
	factories map[string]TypeFactory
}

func NewCodec() *Codec {
	return &Codec{
		factories: map[string]TypeFactory{},
	}
}

func (self *Codec) AddType(name string, factory TypeFactory) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.factories[name]; ok {
		return fmt.Errorf("Type %s already present", name)
	}
	self.factories[name] = factory
	return nil
}

func (self *Codec) factory(name string) (TypeFactory, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	factory, ok := self.factories[name]
	return factory, ok
}

func (self *Codec) Encode(value any) ([]byte, error) {
	jsonValue, err := self.ToJsonValue(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonValue)
}

func (self *Codec) Decode(data []byte) (any, error) {
	var jsonValue any
	if err := json.Unmarshal(data, &jsonValue); err != nil {
		return nil, err
	}
	return self.FromJsonValue(jsonValue)
}

// converts a go value into plain json values (map[string]any, []any, string, float64, bool, nil)
func (self *Codec) ToJsonValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, nil
	case float32:
		return floatToJsonValue(float64(v)), nil
	case float64:
		return floatToJsonValue(v), nil
	case time.Time:
		return map[string]any{keyDate: v.UnixMilli()}, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return map[string]any{keyDate: v.UnixMilli()}, nil
	case []byte:
		return map[string]any{keyBinary: base64.StdEncoding.EncodeToString(v)}, nil
	case CustomType:
		inner, err := self.ToJsonValue(v.EjsonValue())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			keyType:  v.EjsonTypeName(),
			keyValue: inner,
		}, nil
	case map[string]any:
		return self.objectToJsonValue(v)
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			jsonElement, err := self.ToJsonValue(element)
			if err != nil {
				return nil, err
			}
			out[i] = jsonElement
		}
		return out, nil
	}
	return self.reflectToJsonValue(value)
}

func (self *Codec) objectToJsonValue(object map[string]any) (any, error) {
	out := make(map[string]any, len(object))
	for key, element := range object {
		jsonElement, err := self.ToJsonValue(element)
		if err != nil {
			return nil, err
		}
		out[key] = jsonElement
	}
	if isReservedObject(object) {
		return map[string]any{keyEscape: out}, nil
	}
	return out, nil
}

func (self *Codec) reflectToJsonValue(value any) (any, error) {
	r := reflect.ValueOf(value)
	switch r.Kind() {
	case reflect.Pointer, reflect.Interface:
		if r.IsNil() {
			return nil, nil
		}
		if _, ok := value.(json.Marshaler); !ok {
			return self.ToJsonValue(r.Elem().Interface())
		}
	case reflect.Slice, reflect.Array:
		if r.Kind() == reflect.Slice && r.IsNil() {
			return nil, nil
		}
		out := make([]any, r.Len())
		for i := 0; i < r.Len(); i += 1 {
			jsonElement, err := self.ToJsonValue(r.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = jsonElement
		}
		return out, nil
	case reflect.Map:
		if r.Type().Key().Kind() == reflect.String {
			object := make(map[string]any, r.Len())
			iter := r.MapRange()
			for iter.Next() {
				object[iter.Key().String()] = iter.Value().Interface()
			}
			return self.objectToJsonValue(object)
		}
	}

	// structs and other marshalers take their standard json form
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, err
	}
	if object, ok := plain.(map[string]any); ok && isReservedObject(object) {
		return map[string]any{keyEscape: object}, nil
	}
	return plain, nil
}

// converts plain json values into go values, expanding the EJSON extensions
func (self *Codec) FromJsonValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		return self.objectFromJsonValue(v)
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			goElement, err := self.FromJsonValue(element)
			if err != nil {
				return nil, err
			}
			out[i] = goElement
		}
		return out, nil
	default:
		return v, nil
	}
}

func (self *Codec) objectFromJsonValue(object map[string]any) (any, error) {
	if len(object) == 1 {
		for key, element := range object {
			switch key {
			case keyDate:
				millis, ok := element.(float64)
				if !ok {
					return nil, fmt.Errorf("Bad %s value: %v", keyDate, element)
				}
				return time.UnixMilli(int64(millis)).UTC(), nil
			case keyBinary:
				s, ok := element.(string)
				if !ok {
					return nil, fmt.Errorf("Bad %s value: %v", keyBinary, element)
				}
				return base64.StdEncoding.DecodeString(s)
			case keyInfNaN:
				sign, ok := element.(float64)
				if !ok {
					return nil, fmt.Errorf("Bad %s value: %v", keyInfNaN, element)
				}
				switch {
				case sign < 0:
					return math.Inf(-1), nil
				case 0 < sign:
					return math.Inf(1), nil
				default:
					return math.NaN(), nil
				}
			case keyEscape:
				escaped, ok := element.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("Bad %s value: %v", keyEscape, element)
				}
				out := make(map[string]any, len(escaped))
				for escapedKey, escapedElement := range escaped {
					goElement, err := self.FromJsonValue(escapedElement)
					if err != nil {
						return nil, err
					}
					out[escapedKey] = goElement
				}
				return out, nil
			}
		}
	}
	if isCustomTypeObject(object) {
		typeName, ok := object[keyType].(string)
		if !ok {
			return nil, fmt.Errorf("Bad %s value: %v", keyType, object[keyType])
		}
		factory, ok := self.factory(typeName)
		if !ok {
			return nil, &UnknownTypeError{TypeName: typeName}
		}
		inner, err := self.FromJsonValue(object[keyValue])
		if err != nil {
			return nil, err
		}
		return factory(inner)
	}

	out := make(map[string]any, len(object))
	for key, element := range object {
		goElement, err := self.FromJsonValue(element)
		if err != nil {
			return nil, err
		}
		out[key] = goElement
	}
	return out, nil
}

func floatToJsonValue(f float64) any {
	switch {
	case math.IsNaN(f):
		return map[string]any{keyInfNaN: 0}
	case math.IsInf(f, 1):
		return map[string]any{keyInfNaN: 1}
	case math.IsInf(f, -1):
		return map[string]any{keyInfNaN: -1}
	default:
		return f
	}
}

// true if a plain object has the shape of an extension and must be escaped
func isReservedObject(object map[string]any) bool {
	if len(object) == 1 {
		for key := range object {
			switch key {
			case keyDate, keyBinary, keyInfNaN, keyEscape:
				return true
			}
		}
		return false
	}
	return isCustomTypeObject(object)
}

func isCustomTypeObject(object map[string]any) bool {
	if len(object) != 2 {
		return false
	}
	_, hasType := object[keyType]
	_, hasValue := object[keyValue]
	return hasType && hasValue
}
