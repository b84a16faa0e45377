package openapi

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

var timeType = reflect.TypeFor[time.Time]()

// SchemaBuilder 由 Go 类型生成 Schema，具名结构体收进 components 以 $ref 引用
type SchemaBuilder struct {
	schemas map[string]*Schema
}

func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{schemas: make(map[string]*Schema)}
}

// Schemas 已收集的具名结构体
func (b *SchemaBuilder) Schemas() map[string]*Schema { return b.schemas }

// Build 生成 t 的 Schema，nil 返回 nil
func (b *SchemaBuilder) Build(t reflect.Type) *Schema {
	if t == nil {
		return nil
	}
	return b.build(t)
}

func (b *SchemaBuilder) build(t reflect.Type) *Schema {
	nullable := false
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
		nullable = true
	}
	s := b.buildType(t)
	if nullable && s.Ref == "" {
		s.Nullable = true
	}
	return s
}

func (b *SchemaBuilder) buildType(t reflect.Type) *Schema {
	if t == timeType {
		return &Schema{Type: "string", Format: "date-time"}
	}
	switch t.Kind() {
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return &Schema{Type: "integer", Format: "int32"}
	case reflect.Int64, reflect.Uint64:
		return &Schema{Type: "integer", Format: "int64"}
	case reflect.Float32:
		return &Schema{Type: "number", Format: "float"}
	case reflect.Float64:
		return &Schema{Type: "number", Format: "double"}
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &Schema{Type: "string", Format: "byte"}
		}
		return &Schema{Type: "array", Items: b.build(t.Elem())}
	case reflect.Map:
		return &Schema{Type: "object", AdditionalProperties: b.build(t.Elem())}
	case reflect.Struct:
		if t.Name() == "" {
			return b.buildStruct(t)
		}
		name := schemaName(t)
		if _, ok := b.schemas[name]; !ok {
			b.schemas[name] = &Schema{Type: "object"} // 占位，防自引用递归
			b.schemas[name] = b.buildStruct(t)
		}
		return &Schema{Ref: "#/components/schemas/" + name}
	default:
		return &Schema{}
	}
}

func (b *SchemaBuilder) buildStruct(t reflect.Type) *Schema {
	s := &Schema{Type: "object", Properties: make(map[string]*Schema)}
	for _, f := range collectFields(t) {
		name, _ := fieldName(f)
		fs := b.build(f.Type)
		if applyBinding(fs, f.Tag.Get("binding")) {
			s.Required = append(s.Required, name)
		}
		s.Properties[name] = fs
	}
	return s
}

// collectFields 展开匿名嵌入，跳过未导出与 json:"-" 字段
func collectFields(t reflect.Type) []reflect.StructField {
	var out []reflect.StructField
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Anonymous && f.Tag.Get("json") == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				out = append(out, collectFields(ft)...)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if _, skip := fieldName(f); skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

// fieldName 依次取 uri、form、json 标签名
func fieldName(f reflect.StructField) (name string, skip bool) {
	for _, key := range []string{"uri", "form", "json"} {
		tag, ok := f.Tag.Lookup(key)
		if !ok {
			continue
		}
		n, _, _ := strings.Cut(tag, ",")
		if n == "-" {
			return "", true
		}
		if n != "" {
			return n, false
		}
	}
	return f.Name, false
}

func schemaName(t reflect.Type) string {
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	if pkg == "" {
		return t.Name()
	}
	return pkg + "." + t.Name()
}

// applyBinding 把 gin binding 约束写进 schema，返回是否必填
func applyBinding(s *Schema, tag string) (required bool) {
	if tag == "" {
		return false
	}
	for rule := range strings.SplitSeq(tag, ",") {
		key, val, _ := strings.Cut(strings.TrimSpace(rule), "=")
		switch key {
		case "required":
			required = true
		case "min", "max":
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			setBound(s, key == "min", n)
		case "email":
			s.Format = "email"
		case "url":
			s.Format = "uri"
		case "uuid":
			s.Format = "uuid"
		case "oneof":
			for v := range strings.FieldsSeq(val) {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	return required
}

func setBound(s *Schema, lower bool, n float64) {
	switch s.Type {
	case "string":
		v := int(n)
		if lower {
			s.MinLength = &v
		} else {
			s.MaxLength = &v
		}
	case "array":
		v := int(n)
		if lower {
			s.MinItems = &v
		} else {
			s.MaxItems = &v
		}
	default:
		if lower {
			s.Minimum = &n
		} else {
			s.Maximum = &n
		}
	}
}
