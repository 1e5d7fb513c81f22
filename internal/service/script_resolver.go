package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// ScriptResolver resolves conflicts with per-collection CUE programs. A
// program declares `docs` and defines `resolved`; docs is filled with the
// member bodies ordered by vector, null standing for a tombstone. A null
// `resolved` deletes the document.
//
//	docs: [...{name: string}]
//	resolved: {name: docs[0].name, merged: len(docs)}
type ScriptResolver struct {
	mu       sync.Mutex
	ctx      *cue.Context
	programs map[string]cue.Value
}

// NewScriptResolver compiles scripts, keyed by collection
func NewScriptResolver(scripts map[string]string) (*ScriptResolver, error) {
	r := &ScriptResolver{
		ctx:      cuecontext.New(),
		programs: make(map[string]cue.Value, len(scripts)),
	}
	for collection, src := range scripts {
		f, err := parser.ParseFile(collection+".cue", src)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("invalid resolution script for collection %q", collection), err)
		}
		if !declares(f, "resolved") {
			return nil, errors.InvalidArgument(fmt.Sprintf("resolution script for collection %q does not define resolved", collection), nil)
		}
		v := r.ctx.BuildFile(f)
		if err := v.Err(); err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("invalid resolution script for collection %q", collection), err)
		}
		r.programs[collection] = v
	}
	return r, nil
}

func declares(f *ast.File, field string) bool {
	for _, decl := range f.Decls {
		fd, ok := decl.(*ast.Field)
		if !ok {
			continue
		}
		if name, _, err := ast.LabelName(fd.Label); err == nil && name == field {
			return true
		}
	}
	return false
}

// Has reports whether collection has a script
func (r *ScriptResolver) Has(collection string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.programs[collection]
	return ok
}

// Resolve runs the collection's program over members. It returns the
// resolved body, or deleted=true when the program resolves to null.
func (r *ScriptResolver) Resolve(collection string, members []*model.ConflictRecord) (body []byte, deleted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	program, ok := r.programs[collection]
	if !ok {
		return nil, false, fmt.Errorf("no resolution script for collection %q", collection)
	}

	ordered := make([]*model.ConflictRecord, len(members))
	copy(ordered, members)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Vector.String() < ordered[j].Vector.String()
	})
	docs := make([]json.RawMessage, len(ordered))
	for i, m := range ordered {
		if m.IsTombstone() {
			docs[i] = json.RawMessage("null")
			continue
		}
		docs[i] = json.RawMessage(m.Body)
	}
	input, err := json.Marshal(docs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode conflict members: %w", err)
	}

	docsValue := r.ctx.CompileBytes(input, cue.Filename("docs.json"))
	if err := docsValue.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to load conflict members: %w", err)
	}
	resolved := program.FillPath(cue.ParsePath("docs"), docsValue).LookupPath(cue.ParsePath("resolved"))
	if err := resolved.Err(); err != nil {
		return nil, false, fmt.Errorf("resolution script failed: %w", err)
	}
	if err := resolved.Validate(cue.Concrete(true)); err != nil {
		return nil, false, fmt.Errorf("resolution script result is not concrete: %w", err)
	}
	if resolved.Kind() == cue.NullKind {
		return nil, true, nil
	}
	if resolved.Kind() != cue.StructKind {
		return nil, false, fmt.Errorf("resolution script must produce an object, got %v", resolved.Kind())
	}

	out, err := resolved.MarshalJSON()
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode resolved document: %w", err)
	}
	return out, false, nil
}
