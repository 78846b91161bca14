package method

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/value"
)

// ErrGeneric is the status a CALL raises when a handler returns 0 (spec.md
// §4.2: "status 0 raises a generic 'method failed' exception").
const ErrGeneric = 1

// EINVAL is the default error code fail() raises when called with no
// argument (spec.md §4.4).
const EINVAL = 22

// builtinDres implements dres(goal?) / resolve(goal?): recursively updates
// a goal, preserving the caller's VM context (spec.md §4.4).
func builtinDres(ctx Context, args []value.Value) (value.Value, int) {
	goal := ""
	if len(args) > 0 && args[0].Kind == value.String {
		goal = args[0].Str
	}
	status, err := ctx.Resolve(goal, nil)
	if err != nil {
		return value.NilValue, -EINVAL
	}
	return value.Int64(int64(status)), status
}

// builtinEcho implements echo(args…): formats and writes arguments,
// honoring a leading ">path" / ">>path" string argument as an output
// redirect for the remainder of the call (spec.md §4.4).
func builtinEcho(ctx Context, args []value.Value) (value.Value, int) {
	var w io.Writer = os.Stdout
	var opened *os.File
	defer func() {
		if opened != nil {
			opened.Close()
		}
	}()

	var parts []string
	for _, a := range args {
		if a.Kind == value.String && len(a.Str) > 0 && a.Str[0] == '>' {
			path := strings.TrimPrefix(a.Str, ">>")
			append_ := strings.HasPrefix(a.Str, ">>")
			path = strings.TrimPrefix(path, ">")

			flags := os.O_WRONLY | os.O_CREATE
			if append_ {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return value.NilValue, -EINVAL
			}
			if opened != nil {
				opened.Close()
			}
			opened = f
			w = f
			continue
		}
		parts = append(parts, a.String())
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
	return value.Int64(1), 1
}

// builtinFact implements fact(name, field1, value1, …, "", field1, value1,
// …): constructs a factset of one or more facts under name, with the
// empty-string argument acting as a record separator (spec.md §4.4).
func builtinFact(ctx Context, args []value.Value) (value.Value, int) {
	if len(args) == 0 || args[0].Kind != value.String {
		return value.NilValue, -EINVAL
	}
	name := args[0].Str
	store := ctx.Store()

	var refs []value.FactRef
	current := store.Create(name)
	refs = append(refs, value.FactRef{Fact: current})

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i].Kind == value.String && rest[i].Str == "" {
			current = store.Create(name)
			refs = append(refs, value.FactRef{Fact: current})
			continue
		}
		if rest[i].Kind != value.String || i+1 >= len(rest) {
			return value.NilValue, -EINVAL
		}
		field := toField(rest[i].Str, rest[i+1])
		current.Set(field)
		i++
	}

	g := value.GlobalHandle{Name: name, Kind: value.GlobalFacts, Facts: refs}
	return value.Value{Kind: value.Global, Glob: g}, 1
}

func toField(name string, v value.Value) fact.Field {
	switch v.Kind {
	case value.Integer:
		return fact.Field{Name: name, Kind: fact.FieldInt, Int: v.Int}
	case value.Double:
		return fact.Field{Name: name, Kind: fact.FieldDouble, Double: v.Double}
	default:
		return fact.Field{Name: name, Kind: fact.FieldString, Str: v.Str}
	}
}

// builtinShell implements shell(command): runs command through the host
// shell; a non-zero exit raises with that status (spec.md §4.4).
func builtinShell(ctx Context, args []value.Value) (value.Value, int) {
	if len(args) != 1 || args[0].Kind != value.String {
		return value.NilValue, -EINVAL
	}
	cmd := exec.Command("/bin/sh", "-c", args[0].Str)
	err := cmd.Run()
	if err == nil {
		return value.Int64(0), 1
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if code == 0 {
			return value.Int64(0), 1
		}
		return value.NilValue, -code
	}
	return value.NilValue, -EINVAL
}

// builtinRegexpRead implements regexp_read(path, regex, nth, type,
// default?): scans path line by line for the first regex match, returns its
// nth capture converted to the requested type, or default on any failure
// (spec.md §4.4).
func builtinRegexpRead(ctx Context, args []value.Value) (value.Value, int) {
	if len(args) < 4 {
		return value.NilValue, -EINVAL
	}
	path, re, nth, typ := args[0], args[1], args[2], args[3]
	if path.Kind != value.String || re.Kind != value.String ||
		nth.Kind != value.Integer || typ.Kind != value.String {
		return value.NilValue, -EINVAL
	}

	fallback := value.NilValue
	hasDefault := len(args) >= 5
	if hasDefault {
		fallback = args[4]
	}

	result, ok := scanFirstMatch(path.Str, re.Str, int(nth.Int))
	if !ok {
		if hasDefault {
			return fallback, 1
		}
		return value.NilValue, -EINVAL
	}

	v, err := convertCapture(result, typ.Str)
	if err != nil {
		if hasDefault {
			return fallback, 1
		}
		return value.NilValue, -EINVAL
	}
	return v, 1
}

func scanFirstMatch(path, pattern string, nth int) (string, bool) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := re.FindStringSubmatch(sc.Text())
		if m == nil || nth < 0 || nth >= len(m) {
			continue
		}
		return m[nth], true
	}
	return "", false
}

func convertCapture(s, typ string) (value.Value, error) {
	switch typ {
	case "i":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return value.NilValue, err
		}
		return value.Int64(n), nil
	case "d":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return value.NilValue, err
		}
		return value.Float64(f), nil
	case "s":
		return value.Str(s), nil
	default:
		return value.NilValue, fmt.Errorf("method: unknown regexp_read type %q", typ)
	}
}

// builtinFail implements fail(code?): raises with the given error code,
// defaulting to EINVAL (spec.md §4.4).
func builtinFail(ctx Context, args []value.Value) (value.Value, int) {
	code := EINVAL
	if len(args) > 0 && args[0].Kind == value.Integer {
		code = int(args[0].Int)
	}
	return value.NilValue, -code
}
