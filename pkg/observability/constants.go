package observability

const (
	AttrSessionID        = "session.id"
	AttrToolName         = "tool.name"
	AttrLLMModel         = "llm.model"
	AttrLLMTokensInput   = "llm.tokens.input"
	AttrLLMTokensOutput  = "llm.tokens.output"
	AttrMemoryOperation  = "memory.operation"
	AttrMemoryCollection = "memory.collection"
	AttrErrorType        = "error.type"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest   = "http.request"
	SpanChatTurn      = "agent.chat_turn"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanMemorySearch  = "memory.search"
	SpanMemoryExtract = "memory.extract"
	SpanReflection    = "reflection.process"

	DefaultServiceName  = "mnemo"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
