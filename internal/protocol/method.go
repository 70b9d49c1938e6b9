package protocol

import (
	"fmt"
	"time"
)

// MethodID packs a class id in the high 16 bits and a method index in the low 16 bits.
type MethodID uint32

// NewMethodID builds a method id from its class and method indexes.
func NewMethodID(classID, methodIndex uint16) MethodID {
	return MethodID(uint32(classID)<<16 | uint32(methodIndex))
}

func (id MethodID) ClassID() uint16 {
	return uint16(id >> 16)
}

func (id MethodID) MethodIndex() uint16 {
	return uint16(id)
}

// String returns the method name, e.g. "Queue.DeclareOk".
func (id MethodID) String() string {
	if spec, ok := methodTable[id]; ok {
		return spec.Name
	}
	return fmt.Sprintf("Method(%d.%d)", id.ClassID(), id.MethodIndex())
}

// Arguments holds decoded method arguments keyed by field name.
type Arguments map[string]any

func (a Arguments) Str(name string) string {
	switch v := a[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case ShortString:
		return string(v)
	}
	return ""
}

func (a Arguments) Bytes(name string) []byte {
	switch v := a[name].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func (a Arguments) Bool(name string) bool {
	v, _ := a[name].(bool)
	return v
}

func (a Arguments) Uint8(name string) uint8 {
	return uint8(a.Uint64(name))
}

func (a Arguments) Uint16(name string) uint16 {
	return uint16(a.Uint64(name))
}

func (a Arguments) Uint32(name string) uint32 {
	return uint32(a.Uint64(name))
}

// Uint64 returns an integer argument of any width.
func (a Arguments) Uint64(name string) uint64 {
	switch v := a[name].(type) {
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return 0
}

func (a Arguments) Table(name string) Table {
	v, _ := a[name].(Table)
	return v
}

func (a Arguments) Time(name string) time.Time {
	v, _ := a[name].(time.Time)
	return v
}

// Method is a decoded method with its arguments.
type Method struct {
	ID   MethodID
	Args Arguments
}

// NewMethod creates a method; args may be nil.
func NewMethod(id MethodID, args Arguments) *Method {
	if args == nil {
		args = Arguments{}
	}
	return &Method{ID: id, Args: args}
}

func (m *Method) Name() string {
	return m.ID.String()
}

// Spec returns the layout of the method, or nil if it is unknown.
func (m *Method) Spec() *MethodSpec {
	return methodTable[m.ID]
}

// FieldValue returns an argument by name.
func (m *Method) FieldValue(name string) (any, bool) {
	v, ok := m.Args[name]
	return v, ok
}

func (m *Method) String() string {
	return fmt.Sprintf("%s%v", m.Name(), map[string]any(m.Args))
}
