// Package dsl is cmd/dresc's source-file frontend.
//
// spec.md §1 names "the concrete syntax and lexer/parser frontend" as
// deliberately out of scope — an external collaborator, not a core module.
// Something still has to turn a file on disk into an ast.Program for the
// CLI to compile, so this package defines one concrete, intentionally plain
// choice: a JSON document shaped like ast.Program, with a "kind" tag on
// every statement and expression node for polymorphic decoding. It is a
// frontend cmd/dresc happens to ship with, not a restatement of spec.md's
// resolver/VM/compiler semantics, and a host is free to replace it with a
// real grammar over the same ast package.
package dsl

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/opendres/dres/pkg/ast"
)

// ParseError wraps a JSON decode failure with the source path, the shape
// spec.md §7 calls "parse error (line+message, terminal for parse_file)".
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "dsl: " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadFile reads and decodes path into an ast.Program.
func LoadFile(path string) (*ast.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()
	prog, err := Load(f)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return prog, nil
}

// Load decodes r's JSON document into an ast.Program.
func Load(r io.Reader) (*ast.Program, error) {
	var doc programDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "dsl: decode program")
	}
	prog := &ast.Program{}
	for _, td := range doc.Targets {
		stmts, err := decodeStatements(td.Statements)
		if err != nil {
			return nil, errors.Wrapf(err, "dsl: target %q", td.Name)
		}
		prog.Targets = append(prog.Targets, &ast.Target{
			Name:       td.Name,
			Prereqs:    td.Prereqs,
			Statements: stmts,
		})
	}
	return prog, nil
}

// --- document shape ---

type programDoc struct {
	Targets []targetDoc `json:"targets"`
}

type targetDoc struct {
	Name       string            `json:"name"`
	Prereqs    []string          `json:"prereqs"`
	Statements []json.RawMessage `json:"statements"`
}

type node struct {
	Kind string `json:"kind"`
}

func decodeStatements(raw []json.RawMessage) ([]ast.Statement, error) {
	out := make([]ast.Statement, 0, len(raw))
	for i, r := range raw {
		st, err := decodeStatement(r)
		if err != nil {
			return nil, errors.Wrapf(err, "statement %d", i)
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeStatement(raw json.RawMessage) (ast.Statement, error) {
	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	switch n.Kind {
	case "assign":
		var d struct {
			Target  identDoc        `json:"target"`
			Value   json.RawMessage `json:"value"`
			Partial bool            `json:"partial"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		value, err := decodeExpr(d.Value)
		if err != nil {
			return nil, err
		}
		target, err := d.Target.toAST()
		if err != nil {
			return nil, err
		}
		return &ast.AssignStmt{Target: target, Value: value, Partial: d.Partial}, nil

	case "call":
		call, err := decodeCall(raw)
		if err != nil {
			return nil, err
		}
		return &ast.CallStmt{Call: call}, nil

	case "if":
		var d struct {
			Cond json.RawMessage   `json:"cond"`
			Then []json.RawMessage `json:"then"`
			Else []json.RawMessage `json:"else"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		cond, err := decodeExpr(d.Cond)
		if err != nil {
			return nil, err
		}
		then, err := decodeStatements(d.Then)
		if err != nil {
			return nil, err
		}
		els, err := decodeStatements(d.Else)
		if err != nil {
			return nil, err
		}
		return &ast.IfStmt{Cond: cond, Then: then, Else: els}, nil

	default:
		return nil, errors.Errorf("dsl: unknown statement kind %q", n.Kind)
	}
}

type identDoc struct {
	Name      string        `json:"name"`
	Selectors []selectorDoc `json:"selectors"`
	Field     string        `json:"field"`
}

type selectorDoc struct {
	Field      string          `json:"field"`
	Op         string          `json:"op"`
	Value      json.RawMessage `json:"value"`
	UpdateOnly bool            `json:"update_only"`
}

func (d identDoc) toAST() (*ast.Identifier, error) {
	sels := make([]ast.Selector, 0, len(d.Selectors))
	for _, sd := range d.Selectors {
		s := ast.Selector{Field: sd.Field, UpdateOnly: sd.UpdateOnly}
		op, err := parseRelOp(sd.Op)
		if err != nil {
			return nil, err
		}
		s.Op = op
		if len(sd.Value) > 0 && !sd.UpdateOnly {
			v, err := decodeExpr(sd.Value)
			if err != nil {
				return nil, err
			}
			s.Value = v
		}
		sels = append(sels, s)
	}
	return &ast.Identifier{Name: d.Name, Selectors: sels, Field: d.Field}, nil
}

func parseRelOp(s string) (ast.RelOp, error) {
	switch s {
	case "", "==":
		return ast.OpEQ, nil
	case "!=":
		return ast.OpNE, nil
	case "<":
		return ast.OpLT, nil
	case "<=":
		return ast.OpLE, nil
	case ">":
		return ast.OpGT, nil
	case ">=":
		return ast.OpGE, nil
	default:
		return 0, errors.Errorf("dsl: unknown relational operator %q", s)
	}
}

func decodeCall(raw json.RawMessage) (*ast.CallExpr, error) {
	var d struct {
		Method string            `json:"method"`
		Args   []json.RawMessage `json:"args"`
		Locals []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		} `json:"locals"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	args := make([]ast.Expression, 0, len(d.Args))
	for _, a := range d.Args {
		e, err := decodeExpr(a)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
	locals := make([]ast.LocalBinding, 0, len(d.Locals))
	for _, l := range d.Locals {
		v, err := decodeExpr(l.Value)
		if err != nil {
			return nil, err
		}
		locals = append(locals, ast.LocalBinding{Name: l.Name, Value: v})
	}
	return &ast.CallExpr{Method: d.Method, Args: args, Locals: locals}, nil
}

func decodeExpr(raw json.RawMessage) (ast.Expression, error) {
	if len(raw) == 0 {
		return nil, errors.New("dsl: missing expression")
	}
	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	switch n.Kind {
	case "int":
		var d struct {
			Value int64 `json:"value"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return &ast.IntegerLiteral{Value: d.Value}, nil

	case "float":
		var d struct {
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return &ast.FloatLiteral{Value: d.Value}, nil

	case "string":
		var d struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return &ast.StringLiteral{Value: d.Value}, nil

	case "nil":
		return &ast.NilLiteral{}, nil

	case "local":
		var d struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return &ast.LocalRef{Name: d.Name}, nil

	case "ident":
		var d identDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d.toAST()

	case "binary":
		var d struct {
			Op    string          `json:"op"`
			Left  json.RawMessage `json:"left"`
			Right json.RawMessage `json:"right"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		op, err := parseBinOp(d.Op)
		if err != nil {
			return nil, err
		}
		left, err := decodeExpr(d.Left)
		if err != nil {
			return nil, err
		}
		right, err := decodeExpr(d.Right)
		if err != nil {
			return nil, err
		}
		return &ast.BinaryExpr{Op: op, Left: left, Right: right}, nil

	case "call":
		return decodeCall(raw)

	default:
		return nil, errors.Errorf("dsl: unknown expression kind %q", n.Kind)
	}
}

func parseBinOp(s string) (ast.BinOp, error) {
	switch s {
	case "==":
		return ast.BinEQ, nil
	case "!=":
		return ast.BinNE, nil
	case "<":
		return ast.BinLT, nil
	case "<=":
		return ast.BinLE, nil
	case ">":
		return ast.BinGT, nil
	case ">=":
		return ast.BinGE, nil
	case "||":
		return ast.BinOr, nil
	case "&&":
		return ast.BinAnd, nil
	default:
		return 0, errors.Errorf("dsl: unknown binary operator %q", s)
	}
}
