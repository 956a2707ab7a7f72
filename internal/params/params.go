// Package params interprets positional JSON-RPC parameters against the
// declarations in method configuration.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
)

// ErrNotPositional is returned when params are neither absent, null nor an array.
var ErrNotPositional = errors.New("params must be an array")

var null = json.RawMessage("null")

// Set is a compiled list of parameter declarations.
type Set struct {
	decls    []config.ParamConfig
	schemas  []*gojsonschema.Schema
	defaults []json.RawMessage
	blockTag int
}

// Compile prepares decls for use. Schemas are compiled once here.
func Compile(decls []config.ParamConfig) (*Set, error) {
	s := &Set{
		decls:    decls,
		schemas:  make([]*gojsonschema.Schema, len(decls)),
		defaults: make([]json.RawMessage, len(decls)),
		blockTag: -1,
	}
	for i, d := range decls {
		if d.Schema != nil {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Schema))
			if err != nil {
				return nil, fmt.Errorf("param %s: schema: %w", d.Name, err)
			}
			s.schemas[i] = schema
		}
		if d.Default != nil {
			b, err := json.Marshal(d.Default)
			if err != nil {
				return nil, fmt.Errorf("param %s: default: %w", d.Name, err)
			}
			s.defaults[i] = b
		}
		if d.BlockTag {
			s.blockTag = i
		}
	}
	return s, nil
}

// Len returns the number of declared params.
func (s *Set) Len() int { return len(s.decls) }

// HasDefaults reports whether any param declares a default.
func (s *Set) HasDefaults() bool {
	for _, d := range s.defaults {
		if d != nil {
			return true
		}
	}
	return false
}

// BlockTagIndex returns the position of the block tag param, or -1.
func (s *Set) BlockTagIndex() int { return s.blockTag }

// Split decodes positional params. Absent and null params decode to nil.
func Split(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, null) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return nil, ErrNotPositional
	}
	var list []json.RawMessage
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func join(list []json.RawMessage) json.RawMessage {
	if len(list) == 0 {
		return json.RawMessage("[]")
	}
	b, _ := json.Marshal(list)
	return b
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), null)
}

// Validate checks arity and each param's schema. The returned error carries
// the invalid params code and the individual problems as data.
func (s *Set) Validate(raw json.RawMessage) *jsonrpc.Error {
	list, err := Split(raw)
	if err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", err.Error())
	}
	if len(list) > len(s.decls) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params",
			fmt.Sprintf("expected at most %d params, got %d", len(s.decls), len(list)))
	}

	var problems []string
	for i, d := range s.decls {
		if i >= len(list) {
			if !d.Optional {
				problems = append(problems, fmt.Sprintf("%s: missing required param", d.Name))
			}
			continue
		}
		v := list[i]
		if isNull(v) && d.Optional {
			continue
		}
		if s.schemas[i] == nil {
			continue
		}
		res, err := s.schemas[i].Validate(gojsonschema.NewBytesLoader(v))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", d.Name, err))
			continue
		}
		for _, re := range res.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", d.Name, re.String()))
		}
	}
	if len(problems) > 0 {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", problems)
	}
	return nil
}

// Inject pads missing trailing params up to the last declared default. Gaps
// without a default are filled with null.
func (s *Set) Inject(raw json.RawMessage) (json.RawMessage, error) {
	list, err := Split(raw)
	if err != nil {
		return nil, err
	}
	last := -1
	for i := len(list); i < len(s.decls); i++ {
		if s.defaults[i] != nil {
			last = i
		}
	}
	if last < 0 {
		return raw, nil
	}
	for i := len(list); i <= last; i++ {
		if s.defaults[i] != nil {
			list = append(list, s.defaults[i])
		} else {
			list = append(list, null)
		}
	}
	return join(list), nil
}

// PinBlock replaces a "latest", null or missing block tag with head encoded as
// a hex quantity. Other tags and explicit numbers are left alone.
func (s *Set) PinBlock(raw json.RawMessage, head uint64) (json.RawMessage, error) {
	if s.blockTag < 0 {
		return raw, nil
	}
	list, err := Split(raw)
	if err != nil {
		return nil, err
	}
	for len(list) <= s.blockTag {
		list = append(list, null)
	}
	v := list[s.blockTag]
	if !isNull(v) {
		var tag string
		if err := json.Unmarshal(v, &tag); err != nil || tag != "latest" {
			return raw, nil
		}
	}
	pinned, _ := json.Marshal(hexutil.EncodeUint64(head))
	list[s.blockTag] = pinned
	return join(list), nil
}
