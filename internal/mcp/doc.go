// Package mcp exposes docsearch retrieval to MCP clients.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) and calls
// the retrieval service and document store directly. Tools:
//
//   - semantic_search: rank documents by meaning
//   - get_document: fetch one document by id
//   - list_department_documents: newest documents in a department
//
// Tool failures come back as error results whose text names the pipeline
// stage that failed, for example "embedding: embedding service unavailable".
package mcp
