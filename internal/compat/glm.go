package compat

// glmModelTable is GLM's share of the Qwen-portal parameters-block shape
// (spec §4.5: "exhaustive for iFlow/Qwen/GLM-like").
var glmModelTable = map[string]string{
	"gpt-3.5-turbo": "glm-4-flash",
	"gpt-4":         "glm-4-plus",
	"gpt-4-turbo":   "glm-4-plus",
	"gpt-4o":        "glm-4-plus",
}

// GLMModule reuses QwenModule's Qwen-portal shaped transforms (messages ->
// input[] projection, parameters block renames) with GLM's own model
// table, registered under its own name so routing config can target it
// independently.
type GLMModule struct {
	*QwenModule
}

// NewGLMModule constructs the default GLM compatibility module.
func NewGLMModule() *GLMModule {
	return &GLMModule{QwenModule: &QwenModule{ModelTable: glmModelTable}}
}

func (m *GLMModule) Name() string { return "glm" }
