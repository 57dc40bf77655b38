// Package compat implements C5: one module per provider family translating
// between the OpenAI/Anthropic wire shape and each provider's native shape,
// sharing a dotted-path field-mapping engine. Grounded on the teacher's
// internal/translator pipeline/registry shape, rebuilt around
// github.com/tidwall/gjson and github.com/tidwall/sjson for the actual
// per-field rewrites instead of translator's whole-document functions.
package compat

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TransformKind enumerates the field-mapping engine's rule types (spec
// §4.5).
type TransformKind string

const (
	TransformMapping  TransformKind = "mapping"
	TransformRename   TransformKind = "rename"
	TransformDelete   TransformKind = "delete"
	TransformConstant TransformKind = "constant"
)

// TransformationRule is one step of the field-mapping engine. Paths use
// gjson/sjson dotted syntax. Only delete rules expand a "*" segment to every
// element of an array; rename, mapping and constant rules use the path as is.
type TransformationRule struct {
	ID          string
	Transform   TransformKind
	SourcePath  string
	TargetPath  string
	Mapping     map[string]string
	ConstantVal any
}

// ApplyRules runs rules over doc in order, returning the transformed JSON
// document.
func ApplyRules(doc []byte, rules []TransformationRule) ([]byte, error) {
	out := doc
	var err error
	for _, rule := range rules {
		out, err = applyRule(out, rule)
		if err != nil {
			return nil, fmt.Errorf("compat: rule %s: %w", rule.ID, err)
		}
	}
	return out, nil
}

func applyRule(doc []byte, rule TransformationRule) ([]byte, error) {
	switch rule.Transform {
	case TransformConstant:
		return sjson.SetBytes(doc, rule.TargetPath, rule.ConstantVal)
	case TransformDelete:
		return deletePath(doc, rule.SourcePath)
	case TransformRename:
		return renamePath(doc, rule.SourcePath, rule.TargetPath)
	case TransformMapping:
		return applyMapping(doc, rule)
	default:
		return doc, fmt.Errorf("unknown transform kind %q", rule.Transform)
	}
}

// deletePath removes one or, with a "*" wildcard segment, every matching
// path from doc.
func deletePath(doc []byte, path string) ([]byte, error) {
	if !strings.Contains(path, "*") {
		return sjson.DeleteBytes(doc, path)
	}
	arrayPath, _, _ := splitWildcard(path)
	n := gjson.GetBytes(doc, arrayPath).Array()
	out := doc
	var err error
	for i := len(n) - 1; i >= 0; i-- {
		concrete := strings.Replace(path, "*", fmt.Sprintf("%d", i), 1)
		out, err = sjson.DeleteBytes(out, concrete)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// renamePath moves the value at sourcePath to targetPath, deleting the
// source. Missing source values are a no-op (spec tolerates absent optional
// fields).
func renamePath(doc []byte, sourcePath, targetPath string) ([]byte, error) {
	val := gjson.GetBytes(doc, sourcePath)
	if !val.Exists() {
		return doc, nil
	}
	out, err := sjson.SetRawBytes(doc, targetPath, []byte(val.Raw))
	if err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(out, sourcePath)
}

// applyMapping rewrites the value at sourcePath through rule.Mapping,
// writing the mapped value to targetPath (which may equal sourcePath for an
// in-place relabel, e.g. model name translation).
func applyMapping(doc []byte, rule TransformationRule) ([]byte, error) {
	val := gjson.GetBytes(doc, rule.SourcePath)
	if !val.Exists() {
		return doc, nil
	}
	mapped, ok := rule.Mapping[val.String()]
	if !ok {
		return doc, nil
	}
	return sjson.SetBytes(doc, rule.TargetPath, mapped)
}

// splitWildcard splits a single-"*" dotted path into the array path before
// the wildcard and the field path after it (e.g. "messages.*.content" ->
// ("messages", "content")).
func splitWildcard(path string) (arrayPath, fieldPath string, ok bool) {
	idx := strings.Index(path, ".*")
	if idx < 0 {
		return path, "", false
	}
	arrayPath = path[:idx]
	rest := path[idx+2:]
	fieldPath = strings.TrimPrefix(rest, ".")
	return arrayPath, fieldPath, true
}

// ForEachElement iterates every element of the array at arrayPath (e.g.
// "messages"), invoking fn with the element's concrete dotted prefix
// (e.g. "messages.0"). Used by the per-provider modules for row-wise
// transforms the generic rule engine can't express declaratively (tool
// result flattening).
func ForEachElement(doc []byte, arrayPath string, fn func(prefix string, element gjson.Result) error) error {
	arr := gjson.GetBytes(doc, arrayPath)
	if !arr.IsArray() {
		return nil
	}
	var outerErr error
	i := 0
	arr.ForEach(func(_, value gjson.Result) bool {
		prefix := fmt.Sprintf("%s.%d", arrayPath, i)
		i++
		if err := fn(prefix, value); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}
