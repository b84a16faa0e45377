package openapi

import (
	"net/http"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Config 文档元信息
type Config struct {
	Title           string
	Version         string
	Description     string
	Path            string // 文档挂载路径，默认 /openapi.json
	Servers         []Server
	SecuritySchemes map[string]*SecurityScheme
}

func (c *Config) path() string {
	if c.Path == "" {
		return "/openapi.json"
	}
	return c.Path
}

// DocOption 单个路由的文档描述
type DocOption struct {
	Summary     string
	Description string
	Tags        []string
	Security    []string
	NoSecurity  bool
	Deprecated  bool
}

type DocFunc func(*DocOption)

// Doc 组合路由文档
func Doc(fns ...DocFunc) *DocOption {
	d := &DocOption{}
	for _, fn := range fns {
		fn(d)
	}
	return d
}

func Summary(s string) DocFunc { return func(d *DocOption) { d.Summary = s } }
func Desc(s string) DocFunc    { return func(d *DocOption) { d.Description = s } }
func Tags(t ...string) DocFunc { return func(d *DocOption) { d.Tags = t } }
func Deprecated() DocFunc      { return func(d *DocOption) { d.Deprecated = true } }
func NoSecurity() DocFunc      { return func(d *DocOption) { d.NoSecurity = true } }
func Security(s ...string) DocFunc {
	return func(d *DocOption) { d.Security = s }
}

// Route 一条已注册的 JSON 路由
type Route struct {
	Method string
	Path   string // gin 风格，如 /conversations/:id
	Req    reflect.Type
	Resp   reflect.Type
	Doc    *DocOption
}

// Registry 路由登记表，并发安全
type Registry struct {
	cfg    Config
	mu     sync.RWMutex
	routes []Route
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg}
}

// Path 文档挂载路径
func (r *Registry) Path() string { return r.cfg.path() }

func (r *Registry) Add(rt Route) {
	r.mu.Lock()
	r.routes = append(r.routes, rt)
	r.mu.Unlock()
}

// Routes 已登记路由的副本
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.routes)
}

// Build 生成完整文档
func (r *Registry) Build() *Document {
	sb := NewSchemaBuilder()
	doc := &Document{
		OpenAPI: "3.0.3",
		Info:    Info{Title: r.cfg.Title, Version: r.cfg.Version, Description: r.cfg.Description},
		Servers: r.cfg.Servers,
		Paths:   make(map[string]*PathItem),
	}
	if doc.Info.Title == "" {
		doc.Info.Title = "API"
	}
	if doc.Info.Version == "" {
		doc.Info.Version = "0.0.0"
	}

	tagSet := make(map[string]struct{})
	for _, rt := range r.Routes() {
		p := GinPath(rt.Path)
		item, ok := doc.Paths[p]
		if !ok {
			item = &PathItem{}
			doc.Paths[p] = item
		}
		op := r.operation(sb, rt)
		for _, t := range op.Tags {
			tagSet[t] = struct{}{}
		}
		item.set(rt.Method, op)
	}
	for t := range tagSet {
		doc.Tags = append(doc.Tags, Tag{Name: t})
	}
	slices.SortFunc(doc.Tags, func(a, b Tag) int { return strings.Compare(a.Name, b.Name) })

	doc.Components = &Components{
		Schemas:         sb.Schemas(),
		Responses:       errorResponses(),
		SecuritySchemes: r.cfg.SecuritySchemes,
	}
	return doc
}

func (r *Registry) operation(sb *SchemaBuilder, rt Route) *Operation {
	d := rt.Doc
	if d == nil {
		d = &DocOption{}
	}
	op := &Operation{
		Summary:     d.Summary,
		Description: d.Description,
		OperationID: operationID(rt.Method, rt.Path),
		Tags:        d.Tags,
		Deprecated:  d.Deprecated,
		Responses: map[string]*Response{
			"200": {Description: "OK", Content: jsonContent(envelope(sb.Build(rt.Resp)))},
			"400": {Ref: "#/components/responses/BadRequest"},
			"401": {Ref: "#/components/responses/Unauthorized"},
			"500": {Ref: "#/components/responses/ServerError"},
		},
	}
	if len(op.Tags) == 0 {
		if t := DeriveTag(rt.Path); t != "" {
			op.Tags = []string{t}
		}
	}
	op.Security = r.security(d)
	r.request(sb, rt, op)
	return op
}

func (r *Registry) security(d *DocOption) []SecurityRequirement {
	if d.NoSecurity {
		return []SecurityRequirement{}
	}
	names := d.Security
	if len(names) == 0 {
		for name := range r.cfg.SecuritySchemes {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	var out []SecurityRequirement
	for _, n := range names {
		out = append(out, SecurityRequirement{n: {}})
	}
	return out
}

// request uri 字段进 path 参数，header 字段进 header，GET/DELETE 的其余字段进 query，
// 其它方法的 json 字段组成请求体
func (r *Registry) request(sb *SchemaBuilder, rt Route, op *Operation) {
	t := rt.Req
	if t == nil {
		return
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	query := rt.Method == http.MethodGet || rt.Method == http.MethodDelete
	body := &Schema{Type: "object", Properties: make(map[string]*Schema)}
	for _, f := range collectFields(t) {
		name, _ := fieldName(f)
		fs := sb.Build(f.Type)
		required := applyBinding(fs, f.Tag.Get("binding"))
		switch {
		case f.Tag.Get("uri") != "":
			op.Parameters = append(op.Parameters, Parameter{Name: name, In: "path", Required: true, Schema: fs})
		case f.Tag.Get("header") != "":
			op.Parameters = append(op.Parameters, Parameter{Name: f.Tag.Get("header"), In: "header", Required: required, Schema: fs})
		case query || f.Tag.Get("form") != "":
			op.Parameters = append(op.Parameters, Parameter{Name: name, In: "query", Required: required, Schema: fs})
		default:
			body.Properties[name] = fs
			if required {
				body.Required = append(body.Required, name)
			}
		}
	}
	if len(body.Properties) > 0 {
		op.RequestBody = &RequestBody{Required: len(body.Required) > 0, Content: jsonContent(body)}
	}
}

// envelope 与统一响应结构 {code,data,message,trace_id} 对齐
func envelope(data *Schema) *Schema {
	props := map[string]*Schema{
		"code":     {Type: "integer", Format: "int32"},
		"message":  {Type: "string"},
		"trace_id": {Type: "string"},
	}
	if data != nil {
		props["data"] = data
	}
	return &Schema{Type: "object", Properties: props, Required: []string{"code", "message"}}
}

func jsonContent(s *Schema) map[string]MediaType {
	return map[string]MediaType{"application/json": {Schema: s}}
}

func errorResponses() map[string]*Response {
	return map[string]*Response{
		"BadRequest":   {Description: "参数错误", Content: jsonContent(envelope(nil))},
		"Unauthorized": {Description: "未认证", Content: jsonContent(envelope(nil))},
		"ServerError":  {Description: "服务器错误", Content: jsonContent(envelope(nil))},
	}
}

var ginParam = regexp.MustCompile(`[:*]([A-Za-z0-9_]+)`)

// GinPath /conversations/:id -> /conversations/{id}
func GinPath(p string) string {
	return ginParam.ReplaceAllString(p, "{$1}")
}

var versionSeg = regexp.MustCompile(`^v\d+$`)

// DeriveTag 取首个非 api、非版本号、非参数的路径段
func DeriveTag(p string) string {
	for seg := range strings.SplitSeq(strings.Trim(p, "/"), "/") {
		if seg == "" || seg == "api" || versionSeg.MatchString(seg) || strings.HasPrefix(seg, ":") || strings.HasPrefix(seg, "*") {
			continue
		}
		return seg
	}
	return ""
}

func operationID(method, p string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for seg := range strings.SplitSeq(p, "/") {
		seg = strings.TrimLeft(seg, ":*")
		if seg == "" {
			continue
		}
		b.WriteString(strings.ToUpper(seg[:1]))
		b.WriteString(seg[1:])
	}
	return b.String()
}
