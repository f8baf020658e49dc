package definition

// Provider selects the reasoning or embedding connector.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAzureOpenAI Provider = "azure_openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderGemini      Provider = "gemini"
	ProviderVertexAI    Provider = "vertexai"
	ProviderBedrock     Provider = "bedrock"
	ProviderOllama      Provider = "ollama"
)

// KernelDefinition describes the capabilities bound into a kernel.
type KernelDefinition struct {
	Reference
	Reasoning *ReasoningDefinition          `json:"reasoning,omitempty"`
	Knowledge *KnowledgeDefinition          `json:"knowledge,omitempty"`
	Toolsets  map[string]*ToolsetDefinition `json:"toolsets,omitempty"`
}

// UnmarshalJSON keeps the raw tree next to the typed fields.
func (d *KernelDefinition) UnmarshalJSON(data []byte) error {
	type plain KernelDefinition
	return unmarshalWithTree(data, (*plain)(d), &d.Reference)
}

// ReasoningDefinition configures the chat completion connector.
type ReasoningDefinition struct {
	Provider   Provider           `json:"provider"`
	Model      string             `json:"model,omitempty"`
	Endpoint   string             `json:"endpoint,omitempty"`
	Deployment string             `json:"deployment,omitempty"`
	APIKey     string             `json:"api_key,omitempty"`
	APIVersion string             `json:"api_version,omitempty"`
	Project    string             `json:"project,omitempty"`
	Location   string             `json:"location,omitempty"`
	Region     string             `json:"region,omitempty"`
	Settings   *ExecutionSettings `json:"settings,omitempty"`
}

// ExecutionSettings are sampling parameters passed to the model.
type ExecutionSettings struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// KnowledgeDefinition configures retrieval for a kernel.
type KnowledgeDefinition struct {
	Embedding EmbeddingDefinition `json:"embedding"`
	Store     StoreDefinition     `json:"store"`
	TopK      int                 `json:"top_k,omitempty"`
	MinScore  float64             `json:"min_score,omitempty"`
}

// EmbeddingDefinition configures the embedding connector.
type EmbeddingDefinition struct {
	Provider   Provider `json:"provider"`
	Model      string   `json:"model,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// StoreDefinition selects the vector store.
type StoreDefinition struct {
	Type       string `json:"type"`
	Collection string `json:"collection,omitempty"`
	Project    string `json:"project,omitempty"`
}

// ToolsetType selects the plugin loader.
type ToolsetType string

const (
	ToolsetMCP     ToolsetType = "mcp"
	ToolsetOpenAPI ToolsetType = "openapi"
)

// ToolsetDefinition describes a loadable set of tools.
type ToolsetDefinition struct {
	Reference
	Type ToolsetType `json:"type,omitempty"`

	// MCP
	Transport string            `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`

	// URL is the MCP server endpoint or the OpenAPI document location.
	URL       string            `json:"url,omitempty"`
	ServerURL string            `json:"server_url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// UnmarshalJSON keeps the raw tree next to the typed fields.
func (d *ToolsetDefinition) UnmarshalJSON(data []byte) error {
	type plain ToolsetDefinition
	return unmarshalWithTree(data, (*plain)(d), &d.Reference)
}

// FunctionDefinition binds a prompt template to a kernel.
type FunctionDefinition struct {
	Kernel            *KernelDefinition  `json:"kernel"`
	Template          string             `json:"template"`
	InputVariables    []string           `json:"input_variables,omitempty"`
	OutputVariable    string             `json:"output_variable,omitempty"`
	ExecutionSettings *ExecutionSettings `json:"execution_settings,omitempty"`
}
