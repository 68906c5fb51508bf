package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/attrscope/internal/errors"
)

// decode converts tool arguments into an ops input struct. Unknown arguments
// are an INVALID_REQUEST.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var input T
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return input, errors.NewInvalidRequest(fmt.Sprintf("invalid arguments: %v", err))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return input, errors.NewInvalidRequest(fmt.Sprintf("invalid arguments: %v", err))
	}
	return input, nil
}
