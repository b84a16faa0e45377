package openapi

import (
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createReq struct {
	Name  string  `json:"name" binding:"omitempty,max=64"`
	IDs   []int64 `json:"participant_ids" binding:"required,min=1"`
	Flag  *bool   `json:"flag"`
	inner string
}

type pageReq struct {
	ID    string `uri:"id" binding:"required"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=200"`
}

type item struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Children  []*item   `json:"children,omitempty"`
	Secret    string    `json:"-"`
}

func TestGinPathAndTag(t *testing.T) {
	assert.Equal(t, "/conversations/{id}/read", GinPath("/conversations/:id/read"))
	assert.Equal(t, "/files/{path}", GinPath("/files/*path"))

	assert.Equal(t, "conversations", DeriveTag("/api/v1/conversations/:id"))
	assert.Equal(t, "users", DeriveTag("/api/v2/users/:id/status"))
	assert.Equal(t, "", DeriveTag("/api/v1"))

	assert.Equal(t, "getApiV1ConversationsIdMessages", operationID(http.MethodGet, "/api/v1/conversations/:id/messages"))
}

func TestSchemaBuilder(t *testing.T) {
	sb := NewSchemaBuilder()
	s := sb.Build(reflect.TypeFor[*item]())
	require.Equal(t, "#/components/schemas/openapi.item", s.Ref)

	def := sb.Schemas()["openapi.item"]
	require.NotNil(t, def)
	assert.Equal(t, "date-time", def.Properties["created_at"].Format)
	assert.Equal(t, "array", def.Properties["children"].Type)
	assert.Equal(t, s.Ref, def.Properties["children"].Items.Ref, "自引用")
	assert.NotContains(t, def.Properties, "Secret")

	body := sb.Build(reflect.TypeFor[createReq]())
	ref := sb.Schemas()["openapi.createReq"]
	require.NotNil(t, ref, body.Ref)
	assert.Equal(t, []string{"participant_ids"}, ref.Required)
	assert.Equal(t, 1, *ref.Properties["participant_ids"].MinItems)
	assert.Equal(t, 64, *ref.Properties["name"].MaxLength)
	assert.True(t, ref.Properties["flag"].Nullable)
	assert.NotContains(t, ref.Properties, "inner")
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry(Config{
		Title:   "chat",
		Version: "1.0.0",
		SecuritySchemes: map[string]*SecurityScheme{
			"bearer": {Type: "http", Scheme: "bearer"},
		},
	})
	assert.Equal(t, "/openapi.json", reg.Path())

	reg.Add(Route{
		Method: http.MethodPost,
		Path:   "/api/v1/conversations",
		Req:    reflect.TypeFor[createReq](),
		Resp:   reflect.TypeFor[*item](),
		Doc:    Doc(Summary("创建会话")),
	})
	reg.Add(Route{
		Method: http.MethodGet,
		Path:   "/api/v1/conversations/:id/messages",
		Req:    reflect.TypeFor[pageReq](),
		Resp:   reflect.TypeFor[[]item](),
		Doc:    Doc(Summary("历史消息"), Tags("messages")),
	})
	reg.Add(Route{
		Method: http.MethodGet,
		Path:   "/healthz",
		Doc:    Doc(NoSecurity()),
	})

	doc := reg.Build()
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Equal(t, "chat", doc.Info.Title)
	require.Len(t, doc.Paths, 3)

	create := doc.Paths["/api/v1/conversations"].Post
	require.NotNil(t, create)
	assert.Equal(t, "创建会话", create.Summary)
	assert.Equal(t, []string{"conversations"}, create.Tags)
	assert.Equal(t, []SecurityRequirement{{"bearer": {}}}, create.Security)
	require.NotNil(t, create.RequestBody)
	body := create.RequestBody.Content["application/json"].Schema
	assert.Equal(t, []string{"participant_ids"}, body.Required)
	assert.Empty(t, create.Parameters)
	ok := create.Responses["200"].Content["application/json"].Schema
	assert.Equal(t, "#/components/schemas/openapi.item", ok.Properties["data"].Ref)
	assert.Contains(t, ok.Properties, "trace_id")

	history := doc.Paths["/api/v1/conversations/{id}/messages"].Get
	require.NotNil(t, history)
	assert.Equal(t, []string{"messages"}, history.Tags)
	assert.Nil(t, history.RequestBody)
	require.Len(t, history.Parameters, 2)
	byName := map[string]Parameter{}
	for _, p := range history.Parameters {
		byName[p.Name] = p
	}
	assert.Equal(t, "path", byName["id"].In)
	assert.True(t, byName["id"].Required)
	assert.Equal(t, "query", byName["limit"].In)
	assert.False(t, byName["limit"].Required)
	assert.Equal(t, float64(200), *byName["limit"].Schema.Maximum)

	health := doc.Paths["/healthz"].Get
	require.NotNil(t, health)
	assert.NotNil(t, health.Security)
	assert.Empty(t, health.Security)
	assert.NotContains(t, health.Responses["200"].Content["application/json"].Schema.Properties, "data")

	assert.Equal(t, []Tag{{Name: "conversations"}, {Name: "healthz"}, {Name: "messages"}}, doc.Tags)
	assert.Contains(t, doc.Components.Responses, "Unauthorized")
}
