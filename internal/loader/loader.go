// Package loader reads declarative flow definitions from YAML files,
// validates them against an embedded JSON Schema plus structural rules, and
// persists them through the store.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "embed"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/solarflow/solarflow/internal/flow"
	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/store"
)

//go:embed flow_schema.json
var flowSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// compileFlowSchema compiles the embedded schema once.
func compileFlowSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inmemory://flow_schema.json", bytes.NewReader(flowSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("inmemory://flow_schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// builtinVars are context variables the engine and executor seed on their
// own; flows may reference them without declaring them.
var builtinVars = map[string]bool{
	flow.CtxKeyContact:              true,
	flow.CtxKeyFlowName:             true,
	flow.CtxKeyLastReply:            true,
	flow.CtxKeyLastReplyID:          true,
	flow.CtxKeyFlowResponseReceived: true,
	flow.CtxKeyFlowResponse:         true,
	flow.CtxKeyFlowResponseID:       true,
	flow.CtxKeyLastListItems:        true,
	flow.CtxKeyOrderNumber:          true,
	flow.CtxKeyOrderID:              true,
	flow.CtxKeyOrderTotal:           true,
	flow.CtxKeyCartItems:            true,
}

// Loader validates flow definition files and persists them.
type Loader struct {
	store store.Store
}

// NewLoader creates a loader persisting through the given store.
func NewLoader(st store.Store) *Loader {
	return &Loader{store: st}
}

// LoadFile parses and validates a single YAML flow definition.
func LoadFile(path string) (*models.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Parse parses and validates a YAML flow definition.
//
// Validation runs in three layers: the JSON Schema rejects unknown fields and
// enum violations with a precise path, Flow.Validate checks the structural
// rules the schema cannot express (entry-point uniqueness, resolvable
// transition targets), and checkVariables catches context-variable typos
// against the flow's declared variable list.
func Parse(raw []byte) (*models.Flow, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	// Round-trip through JSON so the validator sees json-decoded value types.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid flow document: %w", err)
	}
	doc = nil
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("invalid flow document: %w", err)
	}
	schema, err := compileFlowSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var f models.Flow
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid flow definition: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := checkVariables(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// checkVariables verifies that every context variable a step writes or a
// condition reads is declared in the flow's variables list. Flows that
// declare no variables opt out of the check. Only the root segment of a
// dotted path is checked.
func checkVariables(f *models.Flow) error {
	if len(f.Variables) == 0 {
		return nil
	}
	declared := make(map[string]bool, len(f.Variables))
	for _, v := range f.Variables {
		declared[v] = true
	}
	known := func(path string) bool {
		root := path
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		return root == "" || declared[root] || builtinVars[root]
	}
	for i := range f.Steps {
		step := &f.Steps[i]
		if step.Reply != nil && !known(step.Reply.SaveTo) {
			return fmt.Errorf("step %s.%s save_to %q: %w", f.Name, step.Name, step.Reply.SaveTo, models.ErrUndeclaredVar)
		}
		for j := range step.Actions {
			a := &step.Actions[j]
			if a.Variable != "" && !known(a.Variable) {
				return fmt.Errorf("step %s.%s action %s variable %q: %w", f.Name, step.Name, a.Type, a.Variable, models.ErrUndeclaredVar)
			}
		}
		for j := range step.Transitions {
			c := &step.Transitions[j].Condition
			if c.Variable != "" && !known(c.Variable) {
				return fmt.Errorf("step %s.%s condition variable %q: %w", f.Name, step.Name, c.Variable, models.ErrUndeclaredVar)
			}
		}
	}
	return nil
}

// LoadDir loads every *.yaml / *.yml file in dir (sorted by name) and
// persists the valid flows. A file that fails validation aborts the load so
// a broken definition never silently disappears from the registry.
func (l *Loader) LoadDir(dir string) ([]models.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var flows []models.Flow
	for _, name := range names {
		f, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Error("Flow definition rejected", "file", name, "error", err)
			return nil, err
		}
		if err := l.store.SaveFlow(*f); err != nil {
			return nil, fmt.Errorf("failed to persist flow %s: %w", f.Name, err)
		}
		slog.Info("Loaded flow definition", "file", name, "flow", f.Name, "steps", len(f.Steps), "active", f.Active)
		flows = append(flows, *f)
	}
	return flows, nil
}

// Sync loads dir into the store and swaps the registry to the stored flow
// set. Flows previously persisted but absent from dir survive: the registry
// is rebuilt from the store, which is the source of truth.
func (l *Loader) Sync(reg *flow.Registry, dir string) error {
	if dir != "" {
		if _, err := l.LoadDir(dir); err != nil {
			return err
		}
	}
	flows, err := l.store.ListFlows()
	if err != nil {
		return fmt.Errorf("failed to list stored flows: %w", err)
	}
	return reg.Load(flows)
}
