package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hivemind-io/hivemind/internal/services"
	"github.com/hivemind-io/hivemind/pkg/auth"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// JSON-RPC 2.0 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// toolContent is one MCP content block
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is an MCP tools/call result. Tool-level failures set IsError and
// describe the problem in the content; protocol-level failures use rpcError.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// toolDef pairs a tool's listing entry with its argument schema
type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPHandler serves the MCP tool surface over JSON-RPC 2.0
type MCPHandler struct {
	ingest    *services.IngestService
	retrieval *services.RetrievalService
	knowledge *services.KnowledgeService
	logger    observability.Logger
	metrics   observability.MetricsClient

	tools   []toolDef
	schemas map[string]*gojsonschema.Schema
}

// NewMCPHandler creates the MCP handler and compiles the tool schemas
func NewMCPHandler(
	ingest *services.IngestService,
	retrieval *services.RetrievalService,
	knowledge *services.KnowledgeService,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*MCPHandler, error) {
	h := &MCPHandler{
		ingest:    ingest,
		retrieval: retrieval,
		knowledge: knowledge,
		logger:    logger,
		metrics:   metrics,
		tools:     toolDefinitions(),
		schemas:   map[string]*gojsonschema.Schema{},
	}
	for _, tool := range h.tools {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", tool.Name, err)
		}
		h.schemas[tool.Name] = schema
	}
	return h, nil
}

// Handle serves one JSON-RPC request on POST /mcp
func (h *MCPHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, rpcFail(nil, codeParseError, "failed to read request body"))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, rpcFail(nil, codeParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, rpcFail(req.ID, codeInvalidRequest, "invalid request"))
		return
	}

	authCtx, ok := auth.FromGinContext(c)
	if !ok {
		c.JSON(http.StatusOK, rpcFail(req.ID, codeInvalidRequest, "authentication context missing"))
		return
	}

	switch req.Method {
	case "initialize":
		c.JSON(http.StatusOK, rpcOK(req.ID, gin.H{
			"protocolVersion": protocolVersion,
			"capabilities":    gin.H{"tools": gin.H{}},
			"serverInfo":      gin.H{"name": "hivemind", "version": "1.0.0"},
		}))
	case "notifications/initialized":
		c.Status(http.StatusAccepted)
	case "tools/list":
		c.JSON(http.StatusOK, rpcOK(req.ID, gin.H{"tools": h.tools}))
	case "tools/call":
		c.JSON(http.StatusOK, h.callTool(c.Request.Context(), req, authCtx))
	default:
		c.JSON(http.StatusOK, rpcFail(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

func (h *MCPHandler) callTool(ctx context.Context, req rpcRequest, authCtx *auth.AuthContext) rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpcFail(req.ID, codeInvalidParams, "tools/call requires a tool name")
	}

	schema, ok := h.schemas[params.Name]
	if !ok {
		return rpcFail(req.ID, codeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	validation, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return rpcFail(req.ID, codeInvalidParams, "arguments are not valid JSON")
	}
	if !validation.Valid() {
		return rpcOK(req.ID, toolError(validationMessage(validation)))
	}

	h.countTool(params.Name)
	result, err := h.dispatch(ctx, params.Name, args, authCtx)
	if err != nil {
		se := services.AsServiceError(err)
		if se.Kind == services.KindInternal {
			h.logger.Error("Tool call failed", map[string]interface{}{
				"tool":  params.Name,
				"error": err.Error(),
			})
		}
		return rpcOK(req.ID, toolError(se.Message))
	}
	return rpcOK(req.ID, toolSuccess(result))
}

func (h *MCPHandler) dispatch(ctx context.Context, tool string, args json.RawMessage, authCtx *auth.AuthContext) (interface{}, error) {
	switch tool {
	case "add_knowledge":
		return h.addKnowledge(ctx, args, authCtx)
	case "search_knowledge":
		return h.searchKnowledge(ctx, args, authCtx)
	case "list_knowledge":
		return h.listKnowledge(ctx, args, authCtx)
	case "delete_knowledge":
		return h.deleteKnowledge(ctx, args, authCtx)
	case "report_outcome":
		return h.reportOutcome(ctx, args, authCtx)
	default:
		return nil, services.Errorf(services.KindInvalidInput, "unknown tool %q", tool)
	}
}

func (h *MCPHandler) addKnowledge(ctx context.Context, args json.RawMessage, authCtx *auth.AuthContext) (interface{}, error) {
	var in struct {
		Content    string   `json:"content"`
		Category   string   `json:"category"`
		Confidence float64  `json:"confidence"`
		Framework  *string  `json:"framework"`
		Language   *string  `json:"language"`
		Tags       []string `json:"tags"`
		RunID      *string  `json:"run_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed arguments")
	}

	result, err := h.ingest.Add(ctx, services.AddKnowledgeInput{
		TenantID:   authCtx.TenantID,
		AgentID:    authCtx.AgentID,
		RunID:      in.RunID,
		Content:    in.Content,
		Category:   in.Category,
		Confidence: in.Confidence,
		Framework:  in.Framework,
		Language:   in.Language,
		Tags:       in.Tags,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{
		"contribution_id": result.ID,
		"status":          result.Status,
		"category":        in.Category,
		"message":         "contribution queued for review",
	}, nil
}

func (h *MCPHandler) searchKnowledge(ctx context.Context, args json.RawMessage, authCtx *auth.AuthContext) (interface{}, error) {
	var in struct {
		Query       string `json:"query"`
		Category    string `json:"category"`
		Framework   string `json:"framework"`
		Language    string `json:"language"`
		Limit       int    `json:"limit"`
		Cursor      string `json:"cursor"`
		ID          string `json:"id"`
		FullContent bool   `json:"full_content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed arguments")
	}

	// Fetch mode: full content of one item by id.
	if in.ID != "" {
		id, err := uuid.Parse(in.ID)
		if err != nil {
			return nil, services.Errorf(services.KindInvalidInput, "malformed id %q", in.ID)
		}
		return h.retrieval.Fetch(ctx, authCtx.TenantID, authCtx.AgentID, id, nil)
	}

	out, err := h.retrieval.Search(ctx, services.SearchInput{
		TenantID:  authCtx.TenantID,
		Query:     in.Query,
		Category:  in.Category,
		Framework: in.Framework,
		Language:  in.Language,
		Limit:     in.Limit,
		Cursor:    in.Cursor,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *MCPHandler) listKnowledge(ctx context.Context, args json.RawMessage, authCtx *auth.AuthContext) (interface{}, error) {
	var in struct {
		Limit  int    `json:"limit"`
		Cursor string `json:"cursor"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed arguments")
	}
	offset, err := services.DecodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = 20
	}

	out, err := h.knowledge.List(ctx, authCtx.TenantID, authCtx.AgentID, in.Limit, offset)
	if err != nil {
		return nil, err
	}
	resp := gin.H{"items": out.Items}
	if out.HasMore {
		resp["next_cursor"] = services.EncodeCursor(offset + len(out.Items))
	}
	return resp, nil
}

func (h *MCPHandler) deleteKnowledge(ctx context.Context, args json.RawMessage, authCtx *auth.AuthContext) (interface{}, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed arguments")
	}
	id, err := uuid.Parse(in.ID)
	if err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed id %q", in.ID)
	}
	if err := h.knowledge.Delete(ctx, authCtx.TenantID, authCtx.AgentID, id); err != nil {
		return nil, err
	}
	return gin.H{"deleted": true}, nil
}

func (h *MCPHandler) reportOutcome(ctx context.Context, args json.RawMessage, authCtx *auth.AuthContext) (interface{}, error) {
	var in struct {
		ID      string  `json:"id"`
		Outcome string  `json:"outcome"`
		RunID   *string `json:"run_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed arguments")
	}
	id, err := uuid.Parse(in.ID)
	if err != nil {
		return nil, services.Errorf(services.KindInvalidInput, "malformed id %q", in.ID)
	}
	return h.knowledge.ReportOutcome(ctx, authCtx.TenantID, authCtx.AgentID, id, in.Outcome, in.RunID)
}

func (h *MCPHandler) countTool(name string) {
	if h.metrics != nil {
		h.metrics.IncrementCounterWithLabels("mcp_tool_calls_total", 1, map[string]string{"tool": name})
	}
}

func rpcOK(id json.RawMessage, result interface{}) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFail(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func toolSuccess(payload interface{}) toolResult {
	text, err := json.Marshal(payload)
	if err != nil {
		return toolError("failed to encode tool result")
	}
	return toolResult{Content: []toolContent{{Type: "text", Text: string(text)}}}
}

func toolError(message string) toolResult {
	return toolResult{
		Content: []toolContent{{Type: "text", Text: message}},
		IsError: true,
	}
}

func validationMessage(result *gojsonschema.Result) string {
	if len(result.Errors()) == 0 {
		return "invalid arguments"
	}
	return "invalid arguments: " + result.Errors()[0].String()
}

// toolDefinitions declares the agent-facing tool surface
func toolDefinitions() []toolDef {
	categories := make([]interface{}, 0, len(models.Categories))
	for _, c := range models.CategoryStrings() {
		categories = append(categories, c)
	}

	return []toolDef{
		{
			Name: "add_knowledge",
			Description: "Contribute a knowledge snippet to the commons. Content is sanitised " +
				"for PII and secrets, then queued for human review before becoming searchable.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"content":    map[string]interface{}{"type": "string", "description": "The knowledge to share"},
					"category":   map[string]interface{}{"type": "string", "enum": categories},
					"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
					"framework":  map[string]interface{}{"type": "string"},
					"language":   map[string]interface{}{"type": "string"},
					"tags":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"run_id":     map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"content", "category", "confidence"},
				"additionalProperties": false,
			},
		},
		{
			Name: "search_knowledge",
			Description: "Search the commons semantically (pass query), or fetch one item's " +
				"full content (pass id with full_content=true).",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query":        map[string]interface{}{"type": "string"},
					"category":     map[string]interface{}{"type": "string", "enum": categories},
					"framework":    map[string]interface{}{"type": "string"},
					"language":     map[string]interface{}{"type": "string"},
					"limit":        map[string]interface{}{"type": "integer", "minimum": 1},
					"cursor":       map[string]interface{}{"type": "string"},
					"id":           map[string]interface{}{"type": "string"},
					"full_content": map[string]interface{}{"type": "boolean"},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "list_knowledge",
			Description: "List your own contributions, pending and approved, newest first.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit":  map[string]interface{}{"type": "integer", "minimum": 1},
					"cursor": map[string]interface{}{"type": "string"},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "delete_knowledge",
			Description: "Soft-delete one of your own approved items.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"id"},
				"additionalProperties": false,
			},
		},
		{
			Name: "report_outcome",
			Description: "Report whether a knowledge item helped solve a problem: " +
				"solved or did_not_help. Pass run_id to deduplicate per task run.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":      map[string]interface{}{"type": "string"},
					"outcome": map[string]interface{}{"type": "string", "enum": []interface{}{"solved", "did_not_help"}},
					"run_id":  map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"id", "outcome"},
				"additionalProperties": false,
			},
		},
	}
}
